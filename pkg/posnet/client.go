package posnet

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/angelmondragon/scalepay-backend/pkg/errors"
)

const (
	defaultTimeout              = 10 * time.Second
	responseBodyReadLimit int64 = 1 << 20
	errorBodyReadLimit    int64 = 1024
)

const (
	installmentNone          = "00"
	tranTypeAuth             = "Auth"
	approvedDeclined         = "0"
	approvedOK               = "1"
	approvedAlreadyProcessed = "2"
)

var (
	errURLRequired      = errors.New("posnet url is required")
	errMerchantRequired = errors.New("posnet merchant and terminal ids are required")
)

// Client talks to the bank's XML service over form encoded POSTs.
type Client struct {
	httpClient *http.Client
	url        string
	merchantNo string
	terminalID string
	posnetID   string
}

// Credentials identify the merchant terminal.
type Credentials struct {
	MerchantNo string
	TerminalID string
	PosnetID   string
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTimeout sets the per request timeout on the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient = &http.Client{Timeout: timeout}
		}
	}
}

// NewClient builds the bank client for the given endpoint.
func NewClient(endpoint string, creds Credentials, opts ...Option) (*Client, error) {
	trimmedURL := strings.TrimSpace(endpoint)
	if trimmedURL == "" {
		return nil, errURLRequired
	}
	if strings.TrimSpace(creds.MerchantNo) == "" || strings.TrimSpace(creds.TerminalID) == "" {
		return nil, errMerchantRequired
	}

	client := &Client{
		url:        trimmedURL,
		merchantNo: strings.TrimSpace(creds.MerchantNo),
		terminalID: strings.TrimSpace(creds.TerminalID),
		posnetID:   strings.TrimSpace(creds.PosnetID),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}

	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: defaultTimeout}
	}

	return client, nil
}

type posnetRequest struct {
	XMLName                xml.Name         `xml:"posnetRequest"`
	MID                    string           `xml:"mid"`
	TID                    string           `xml:"tid"`
	Auth                   *authBody        `xml:"auth,omitempty"`
	Capt                   *captBody        `xml:"capt,omitempty"`
	Reverse                *reverseBody     `xml:"reverse,omitempty"`
	Return                 *returnBody      `xml:"return,omitempty"`
	Agreement              *agreementBody   `xml:"agreement,omitempty"`
	OOSRequestData         *oosRequestBody  `xml:"oosRequestData,omitempty"`
	OOSResolveMerchantData *oosResolveBody  `xml:"oosResolveMerchantData,omitempty"`
	OOSTranData            *oosTranDataBody `xml:"oosTranData,omitempty"`
}

type authBody struct {
	CCNo         string `xml:"ccno"`
	ExpDate      string `xml:"expDate"`
	CVC          string `xml:"cvc"`
	Amount       string `xml:"amount"`
	CurrencyCode string `xml:"currencyCode"`
	OrderID      string `xml:"orderID"`
	Installment  string `xml:"installment"`
}

type captBody struct {
	HostLogKey   string `xml:"hostLogKey"`
	Amount       string `xml:"amount"`
	CurrencyCode string `xml:"currencyCode"`
	Installment  string `xml:"installment"`
}

type reverseBody struct {
	Transaction string `xml:"transaction"`
	HostLogKey  string `xml:"hostLogKey"`
}

type returnBody struct {
	Amount       string `xml:"amount"`
	CurrencyCode string `xml:"currencyCode"`
	HostLogKey   string `xml:"hostLogKey"`
}

type agreementBody struct {
	OrderID string `xml:"orderID"`
}

type oosRequestBody struct {
	PosnetID       string `xml:"posnetid"`
	XID            string `xml:"XID"`
	Amount         string `xml:"amount"`
	CurrencyCode   string `xml:"currencyCode"`
	Installment    string `xml:"installment"`
	TranType       string `xml:"tranType"`
	CardHolderName string `xml:"cardHolderName"`
	CCNo           string `xml:"ccno"`
	ExpDate        string `xml:"expDate"`
	CVC            string `xml:"cvc"`
}

type oosResolveBody struct {
	BankData     string `xml:"bankData"`
	MerchantData string `xml:"merchantData"`
	Sign         string `xml:"sign"`
	Mac          string `xml:"mac"`
}

type oosTranDataBody struct {
	BankData string `xml:"bankData"`
	WPAmount string `xml:"wpAmount"`
	Mac      string `xml:"mac"`
}

type posnetResponse struct {
	XMLName    xml.Name `xml:"posnetResponse"`
	Approved   string   `xml:"approved"`
	RespCode   string   `xml:"respCode"`
	RespText   string   `xml:"respText"`
	HostLogKey string   `xml:"hostlogkey"`
	AuthCode   string   `xml:"authCode"`

	OOSRequestData *struct {
		Data1 string `xml:"data1"`
		Data2 string `xml:"data2"`
		Sign  string `xml:"sign"`
	} `xml:"oosRequestDataResponse"`

	OOSResolve *struct {
		Xid            string `xml:"xid"`
		Amount         string `xml:"amount"`
		Currency       string `xml:"currency"`
		MdStatus       string `xml:"mdStatus"`
		MdErrorMessage string `xml:"mdErrorMessage"`
		Mac            string `xml:"mac"`
	} `xml:"oosResolveMerchantDataResponse"`

	Transactions []struct {
		State        string `xml:"state"`
		HostLogKey   string `xml:"hostLogKey"`
		Amount       string `xml:"amount"`
		CurrencyCode string `xml:"currencyCode"`
	} `xml:"transactions>transaction"`
}

// Authorize places a direct (non 3-D Secure) hold on the card.
func (c *Client) Authorize(ctx context.Context, req AuthRequest) (*Response, error) {
	if err := requireXid(req.Xid); err != nil {
		return nil, err
	}
	return c.do(ctx, c.envelope(func(r *posnetRequest) {
		r.Auth = &authBody{
			CCNo:         req.Card.Number,
			ExpDate:      expDate(req.Card),
			CVC:          req.Card.Cvv,
			Amount:       formatAmount(req.Amount),
			CurrencyCode: req.Currency,
			OrderID:      req.Xid,
			Installment:  installmentNone,
		}
	}))
}

// InitiateThreeDS registers the authorization and returns redirect data for
// the cardholder's issuer.
func (c *Client) InitiateThreeDS(ctx context.Context, req AuthRequest) (*Response, error) {
	if err := requireXid(req.Xid); err != nil {
		return nil, err
	}
	return c.do(ctx, c.envelope(func(r *posnetRequest) {
		r.OOSRequestData = &oosRequestBody{
			PosnetID:       c.posnetID,
			XID:            req.Xid,
			Amount:         formatAmount(req.Amount),
			CurrencyCode:   req.Currency,
			Installment:    installmentNone,
			TranType:       tranTypeAuth,
			CardHolderName: req.Card.HolderName,
			CCNo:           req.Card.Number,
			ExpDate:        expDate(req.Card),
			CVC:            req.Card.Cvv,
		}
	}))
}

// CompleteThreeDS performs the authorization after a successful challenge.
func (c *Client) CompleteThreeDS(ctx context.Context, req ThreeDSRequest) (*Response, error) {
	if strings.TrimSpace(req.BankData) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "bank data is required")
	}
	return c.do(ctx, c.envelope(func(r *posnetRequest) {
		r.OOSTranData = &oosTranDataBody{BankData: req.BankData, WPAmount: "0", Mac: req.Mac}
	}))
}

// ResolveCallback asks the bank to decrypt the 3-D Secure callback payload.
func (c *Client) ResolveCallback(ctx context.Context, req ResolveRequest) (*Response, error) {
	if strings.TrimSpace(req.BankData) == "" || strings.TrimSpace(req.MerchantData) == "" || strings.TrimSpace(req.Sign) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "bank data, merchant data and sign are required")
	}
	return c.do(ctx, c.envelope(func(r *posnetRequest) {
		r.OOSResolveMerchantData = &oosResolveBody{
			BankData:     req.BankData,
			MerchantData: req.MerchantData,
			Sign:         req.Sign,
			Mac:          req.Mac,
		}
	}))
}

// Capture finalises a pre-authorization.
func (c *Client) Capture(ctx context.Context, req CaptureRequest) (*Response, error) {
	if err := requireHostLogKey(req.HostLogKey); err != nil {
		return nil, err
	}
	return c.do(ctx, c.envelope(func(r *posnetRequest) {
		r.Capt = &captBody{
			HostLogKey:   req.HostLogKey,
			Amount:       formatAmount(req.Amount),
			CurrencyCode: req.Currency,
			Installment:  installmentNone,
		}
	}))
}

// Reverse voids an earlier transaction identified by its host log key.
func (c *Client) Reverse(ctx context.Context, req ReverseRequest) (*Response, error) {
	if err := requireHostLogKey(req.HostLogKey); err != nil {
		return nil, err
	}
	transaction := req.Transaction
	if transaction == "" {
		transaction = "auth"
	}
	return c.do(ctx, c.envelope(func(r *posnetRequest) {
		r.Reverse = &reverseBody{Transaction: transaction, HostLogKey: req.HostLogKey}
	}))
}

// Refund returns money from a captured transaction.
func (c *Client) Refund(ctx context.Context, req RefundRequest) (*Response, error) {
	if err := requireHostLogKey(req.HostLogKey); err != nil {
		return nil, err
	}
	return c.do(ctx, c.envelope(func(r *posnetRequest) {
		r.Return = &returnBody{
			Amount:       formatAmount(req.Amount),
			CurrencyCode: req.Currency,
			HostLogKey:   req.HostLogKey,
		}
	}))
}

// Inquire lists the bank side transactions recorded for an XID.
func (c *Client) Inquire(ctx context.Context, req InquiryRequest) (*Response, error) {
	if err := requireXid(req.Xid); err != nil {
		return nil, err
	}
	return c.do(ctx, c.envelope(func(r *posnetRequest) {
		r.Agreement = &agreementBody{OrderID: req.Xid}
	}))
}

func (c *Client) envelope(fill func(*posnetRequest)) *posnetRequest {
	req := &posnetRequest{MID: c.merchantNo, TID: c.terminalID}
	fill(req)
	return req
}

// do posts the envelope and decodes the answer. Transport errors keep their
// cause so callers can tell a timeout (unknown outcome) from a refusal.
func (c *Client) do(ctx context.Context, envelope *posnetRequest) (*Response, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "posnet client not configured")
	}

	payload, err := xml.Marshal(envelope)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "marshal posnet request")
	}
	rawRequest := xml.Header + string(payload)

	form := url.Values{}
	form.Set("xmldata", rawRequest)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build posnet request")
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute posnet request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyReadLimit))
		cause := fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, cause, "posnet request failed")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read posnet response")
	}

	if resp.StatusCode != http.StatusOK {
		cause := fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, cause, "posnet request rejected")
	}

	var decoded posnetResponse
	decoder := xml.NewDecoder(bytes.NewReader(body))
	// The bank declares ISO-8859-9; every field we read is ASCII.
	decoder.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	if err := decoder.Decode(&decoded); err != nil {
		cause := fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, cause, "decode posnet response")
	}

	return mapResponse(decoded, Mask(rawRequest), Mask(string(body))), nil
}

func mapResponse(decoded posnetResponse, rawRequest, rawResponse string) *Response {
	out := &Response{
		Approved:         decoded.Approved == approvedOK || decoded.Approved == approvedAlreadyProcessed,
		AlreadyProcessed: decoded.Approved == approvedAlreadyProcessed,
		HostLogKey:       strings.TrimSpace(decoded.HostLogKey),
		AuthCode:         strings.TrimSpace(decoded.AuthCode),
		RawRequest:       rawRequest,
		RawResponse:      rawResponse,
	}
	if decoded.Approved == approvedDeclined || decoded.Approved == "" {
		out.ErrorCode = strings.TrimSpace(decoded.RespCode)
		out.ErrorMessage = strings.TrimSpace(decoded.RespText)
	}
	if data := decoded.OOSRequestData; data != nil {
		out.RedirectData = &RedirectData{Data1: data.Data1, Data2: data.Data2, Sign: data.Sign}
	}
	if resolved := decoded.OOSResolve; resolved != nil {
		out.Resolved = &ResolvedMerchantData{
			Xid:            resolved.Xid,
			Amount:         resolved.Amount,
			Currency:       resolved.Currency,
			MdStatus:       resolved.MdStatus,
			MdErrorMessage: resolved.MdErrorMessage,
			Mac:            resolved.Mac,
		}
	}
	for _, txn := range decoded.Transactions {
		amount, _ := strconv.ParseInt(strings.TrimSpace(txn.Amount), 10, 64)
		out.Transactions = append(out.Transactions, InquiryTransaction{
			State:      strings.TrimSpace(txn.State),
			HostLogKey: strings.TrimSpace(txn.HostLogKey),
			Amount:     amount,
			Currency:   strings.TrimSpace(txn.CurrencyCode),
		})
	}
	return out
}

func requireXid(xid string) error {
	if strings.TrimSpace(xid) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "xid is required")
	}
	return nil
}

func requireHostLogKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "host log key is required")
	}
	return nil
}

func formatAmount(minor int64) string {
	return strconv.FormatInt(minor, 10)
}

// expDate renders YYMM from a month and a two or four digit year.
func expDate(c Card) string {
	year := strings.TrimSpace(c.ExpiryYear)
	if len(year) == 4 {
		year = year[2:]
	}
	month := strings.TrimSpace(c.ExpiryMonth)
	if len(month) == 1 {
		month = "0" + month
	}
	return year + month
}
