package txlog

import "context"

// Reference ties a bank call to the local order and payment rows.
type Reference struct {
	OrderID   int64
	PaymentID int64
}

type referenceKey struct{}

// WithReference attaches ref to ctx so audited calls can record it.
func WithReference(ctx context.Context, ref Reference) context.Context {
	return context.WithValue(ctx, referenceKey{}, ref)
}

func referenceFrom(ctx context.Context) Reference {
	if ref, ok := ctx.Value(referenceKey{}).(Reference); ok {
		return ref
	}
	return Reference{}
}

func optionalID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
