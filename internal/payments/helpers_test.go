package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/angelmondragon/scalepay-backend/internal/txlog"
	"github.com/angelmondragon/scalepay-backend/internal/weighing"
	"github.com/angelmondragon/scalepay-backend/pkg/card"
	pkgdb "github.com/angelmondragon/scalepay-backend/pkg/db"
	"github.com/angelmondragon/scalepay-backend/pkg/db/models"
	"github.com/angelmondragon/scalepay-backend/pkg/enums"
	"github.com/angelmondragon/scalepay-backend/pkg/hashmac"
	"github.com/angelmondragon/scalepay-backend/pkg/posnet"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	testMerchant = "6706598320"
	testTerminal = "67000001"
	testEncKey   = "10,10,10,10,10,10,10,10"
	testHostKey  = "0000000002P0806031"
)

var fixedNow = time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:payments_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.Order{},
		&models.OrderItem{},
		&models.WeightAdjustment{},
		&models.Payment{},
		&models.PosnetTransactionLog{},
		&models.ReconciliationLog{},
	))
	return db
}

type bankAnswer struct {
	resp *posnet.Response
	err  error
}

func approved(hostLogKey string) bankAnswer {
	return bankAnswer{resp: &posnet.Response{Approved: true, HostLogKey: hostLogKey, AuthCode: "901477"}}
}

func declined(code, message string) bankAnswer {
	return bankAnswer{resp: &posnet.Response{ErrorCode: code, ErrorMessage: message}}
}

func timedOut() bankAnswer {
	return bankAnswer{err: context.DeadlineExceeded}
}

func inquiry(txns ...posnet.InquiryTransaction) bankAnswer {
	return bankAnswer{resp: &posnet.Response{Approved: true, Transactions: txns}}
}

// fakeBank replays queued answers per operation. The last answer repeats;
// an operation with nothing queued fails as unavailable.
type fakeBank struct {
	mu       sync.Mutex
	answers  map[string][]bankAnswer
	calls    map[string]int
	captures []posnet.CaptureRequest
	delay    time.Duration
}

func newFakeBank() *fakeBank {
	return &fakeBank{answers: map[string][]bankAnswer{}, calls: map[string]int{}}
}

func (b *fakeBank) on(op string, answers ...bankAnswer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.answers[op] = append(b.answers[op], answers...)
}

func (b *fakeBank) count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *fakeBank) next(op string) (*posnet.Response, error) {
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[op]++
	queue := b.answers[op]
	if len(queue) == 0 {
		return nil, errors.Join(posnet.ErrUnavailable, errors.New("no answer queued for "+op))
	}
	answer := queue[0]
	if len(queue) > 1 {
		b.answers[op] = queue[1:]
	}
	return answer.resp, answer.err
}

func (b *fakeBank) Authorize(context.Context, posnet.AuthRequest) (*posnet.Response, error) {
	return b.next("authorize")
}

func (b *fakeBank) InitiateThreeDS(context.Context, posnet.AuthRequest) (*posnet.Response, error) {
	return b.next("init_3ds")
}

func (b *fakeBank) CompleteThreeDS(context.Context, posnet.ThreeDSRequest) (*posnet.Response, error) {
	return b.next("complete_3ds")
}

func (b *fakeBank) ResolveCallback(context.Context, posnet.ResolveRequest) (*posnet.Response, error) {
	return b.next("resolve")
}

func (b *fakeBank) Capture(_ context.Context, req posnet.CaptureRequest) (*posnet.Response, error) {
	b.mu.Lock()
	b.captures = append(b.captures, req)
	b.mu.Unlock()
	return b.next("capture")
}

func (b *fakeBank) Reverse(context.Context, posnet.ReverseRequest) (*posnet.Response, error) {
	return b.next("reverse")
}

func (b *fakeBank) Refund(context.Context, posnet.RefundRequest) (*posnet.Response, error) {
	return b.next("refund")
}

func (b *fakeBank) Inquire(context.Context, posnet.InquiryRequest) (*posnet.Response, error) {
	return b.next("inquire")
}

type harness struct {
	db       *gorm.DB
	bank     *fakeBank
	svc      Service
	weighing weighing.Service
	txlog    txlog.Service
	signer   hashmac.Signer
	now      time.Time
}

func newHarness(t *testing.T, tune func(*ServiceParams)) *harness {
	t.Helper()
	h := &harness{db: newTestDB(t), bank: newFakeBank(), now: fixedNow}
	clock := func() time.Time { return h.now }

	tx := pkgdb.NewFromConn(h.db)
	weigh, err := weighing.NewService(weighing.NewRepository(h.db), tx, weighing.WithClock(clock))
	require.NoError(t, err)
	logRepo := txlog.NewRepository(h.db)
	logs, err := txlog.NewService(logRepo)
	require.NoError(t, err)
	gateway, err := txlog.NewAuditedGateway(h.bank, logRepo, txlog.WithClock(clock))
	require.NoError(t, err)
	signer, err := hashmac.NewSigner(hashmac.Credentials{MerchantNo: testMerchant, TerminalID: testTerminal, EncKey: testEncKey})
	require.NoError(t, err)

	params := ServiceParams{
		Repo:     NewRepository(h.db),
		Tx:       tx,
		Weighing: weigh,
		TxLog:    logs,
		Gateway:  gateway,
		Signer:   signer,
		Settings: Settings{
			AuthorizationTTL:  7 * 24 * time.Hour,
			OverrideHardLimit: decimal.RequireFromString("0.50"),
			FraudEnabled:      true,
		},
		Clock: clock,
	}
	if tune != nil {
		tune(&params)
	}
	svc, err := NewService(params)
	require.NoError(t, err)

	h.svc = svc
	h.weighing = weigh
	h.txlog = logs
	h.signer = signer
	return h
}

func dec(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func (h *harness) seedOrder(t *testing.T, amount, tolerance string) *models.Order {
	t.Helper()
	order := &models.Order{
		Currency:            enums.CurrencyTRY,
		PreAuthAmount:       dec(amount),
		TolerancePercentage: dec(tolerance),
		CaptureStatus:       enums.CaptureStatusNotCaptured,
	}
	require.NoError(t, h.db.Create(order).Error)
	return order
}

// seedWeighedOrder creates an order with one weight based item estimated at
// amount, records the given actual weight and returns the order.
func (h *harness) seedWeighedOrder(t *testing.T, pricePerKg, estimate, actual, tolerance string) *models.Order {
	t.Helper()
	ctx := context.Background()
	estimated := dec(pricePerKg).Mul(dec(estimate)).Round(2)
	order := h.seedOrder(t, estimated.String(), tolerance)
	item := models.OrderItem{
		OrderID:         order.ID,
		ProductName:     "beef tenderloin",
		Quantity:        1,
		IsWeightBased:   true,
		PricePerUnit:    dec(pricePerKg),
		EstimatedWeight: dec(estimate),
		EstimatedPrice:  estimated,
	}
	require.NoError(t, h.db.Create(&item).Error)
	_, err := h.weighing.CreateAdjustments(ctx, order, []models.OrderItem{item})
	require.NoError(t, err)
	if actual != "" {
		_, err = h.weighing.RecordWeighing(ctx, weighing.WeighingEvent{
			OrderItemID:  item.ID,
			ActualWeight: dec(actual),
			CourierID:    7,
			Timestamp:    h.now,
		})
		require.NoError(t, err)
	}
	return h.loadOrder(t, order.ID)
}

// authorize attaches a live authorization to the order.
func (h *harness) authorize(t *testing.T, order *models.Order) *models.Payment {
	t.Helper()
	expires := h.now.Add(7 * 24 * time.Hour)
	hostKey := testHostKey
	payment := &models.Payment{
		OrderID:                order.ID,
		AuthStatus:             enums.AuthStatusAuthorized,
		CaptureStatus:          enums.CaptureStatusNotCaptured,
		Currency:               enums.CurrencyTRY,
		Amount:                 order.PreAuthAmount,
		AuthorizedAmount:       order.PreAuthAmount,
		Xid:                    hashmac.GenerateXid(order.ID),
		AuthorizationReference: &hostKey,
		AuthorizationExpiresAt: &expires,
		TolerancePercentage:    order.TolerancePercentage,
		IsActive:               true,
	}
	require.NoError(t, h.db.Create(payment).Error)
	require.NoError(t, h.db.Model(&models.Order{}).Where("id = ?", order.ID).
		Update("authorized_amount", order.PreAuthAmount).Error)
	return payment
}

func (h *harness) loadOrder(t *testing.T, id int64) *models.Order {
	t.Helper()
	var order models.Order
	require.NoError(t, h.db.First(&order, id).Error)
	return &order
}

func (h *harness) loadPayment(t *testing.T, id int64) *models.Payment {
	t.Helper()
	var payment models.Payment
	require.NoError(t, h.db.First(&payment, id).Error)
	return &payment
}

func (h *harness) reconciliations(t *testing.T, kind enums.ReconciliationKind) []models.ReconciliationLog {
	t.Helper()
	var entries []models.ReconciliationLog
	require.NoError(t, h.db.Where("kind = ?", kind).Order("id").Find(&entries).Error)
	return entries
}

func cardInput(orderID int64) PreAuthorizeInput {
	return PreAuthorizeInput{
		OrderID: orderID,
		Card: card.Input{
			Number:      "4532 0151 1283 0366",
			Cvv:         "123",
			ExpiryMonth: "01",
			ExpiryYear:  "29",
		},
		HolderName: "Ayse Yilmaz",
		IPAddress:  "85.105.10.20",
	}
}
