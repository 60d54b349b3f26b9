package hashmac

import "errors"

// Version identifies a MAC formula revision.
type Version string

// VersionV2 is the FirstHash based formula currently required by the bank.
const VersionV2 Version = "v2"

// Credentials are the merchant secrets the MAC chain is keyed with.
type Credentials struct {
	MerchantNo string
	TerminalID string
	EncKey     string
}

// RequestFields are the values signed on an outgoing request.
type RequestFields struct {
	Xid      string
	Amount   string
	Currency string
}

// ResponseFields are the values the bank signs on a 3-D Secure response.
type ResponseFields struct {
	MdStatus string
	Xid      string
	Amount   string
	Currency string
}

// Signer computes and verifies MACs for one merchant terminal.
type Signer interface {
	Version() Version
	RequestMac(fields RequestFields) (string, error)
	ValidateResponseMac(bankMac string, fields ResponseFields) ValidationResult
}

type v2Signer struct {
	creds Credentials
}

// NewSigner returns the production signer bound to the supplied credentials.
func NewSigner(creds Credentials) (Signer, error) {
	if creds.MerchantNo == "" {
		return nil, errors.New("merchant number required")
	}
	if creds.TerminalID == "" {
		return nil, errors.New("terminal id required")
	}
	if creds.EncKey == "" {
		return nil, errors.New("enc key required")
	}
	return &v2Signer{creds: creds}, nil
}

func (s *v2Signer) Version() Version {
	return VersionV2
}

func (s *v2Signer) RequestMac(fields RequestFields) (string, error) {
	return RequestMac(fields.Xid, fields.Amount, fields.Currency, s.creds.MerchantNo, s.creds.TerminalID, s.creds.EncKey)
}

func (s *v2Signer) ValidateResponseMac(bankMac string, fields ResponseFields) ValidationResult {
	return ValidateResponseMac(bankMac, fields.MdStatus, fields.Xid, fields.Amount, fields.Currency, s.creds.MerchantNo, s.creds.TerminalID, s.creds.EncKey)
}
