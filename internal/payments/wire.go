package payments

import (
	"fmt"

	"github.com/angelmondragon/scalepay-backend/internal/fraud"
	"github.com/angelmondragon/scalepay-backend/internal/txlog"
	"github.com/angelmondragon/scalepay-backend/internal/weighing"
	"github.com/angelmondragon/scalepay-backend/pkg/config"
	pkgdb "github.com/angelmondragon/scalepay-backend/pkg/db"
	"github.com/angelmondragon/scalepay-backend/pkg/hashmac"
	"github.com/angelmondragon/scalepay-backend/pkg/logger"
	"github.com/angelmondragon/scalepay-backend/pkg/metrics"
	"github.com/angelmondragon/scalepay-backend/pkg/posnet"
	"github.com/angelmondragon/scalepay-backend/pkg/redis"
	"gorm.io/gorm"
)

// Components are the settlement services shared by the api and the worker.
type Components struct {
	Payments Service
	Weighing weighing.Service
	TxLog    txlog.Service
}

// Dependencies are the process level resources Build wires together.
type Dependencies struct {
	Config  *config.Config
	DB      *gorm.DB
	Logger  *logger.Logger
	Metrics *metrics.PaymentMetrics
	// Locker may be nil when Redis is not configured.
	Locker *redis.Locker
}

// Build assembles the bank client, the audited gateway and the services that
// sit on top of them.
func Build(deps Dependencies) (*Components, error) {
	if deps.Config == nil || deps.DB == nil || deps.Logger == nil {
		return nil, fmt.Errorf("config, database and logger are required")
	}
	cfg := deps.Config
	tx := pkgdb.NewFromConn(deps.DB)

	client, err := posnet.NewClient(cfg.Posnet.URL, posnet.Credentials{
		MerchantNo: cfg.Posnet.MerchantNo,
		TerminalID: cfg.Posnet.TerminalID,
		PosnetID:   cfg.Posnet.PosnetID,
	}, posnet.WithTimeout(cfg.Posnet.Timeout))
	if err != nil {
		return nil, fmt.Errorf("posnet client: %w", err)
	}

	logRepo := txlog.NewRepository(deps.DB)
	gateway, err := txlog.NewAuditedGateway(client, logRepo,
		txlog.WithLogger(deps.Logger),
		txlog.WithMetrics(deps.Metrics),
		txlog.WithCallTimeout(cfg.Posnet.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("audited gateway: %w", err)
	}
	logService, err := txlog.NewService(logRepo)
	if err != nil {
		return nil, fmt.Errorf("transaction log service: %w", err)
	}

	signer, err := hashmac.NewSigner(hashmac.Credentials{
		MerchantNo: cfg.Posnet.MerchantNo,
		TerminalID: cfg.Posnet.TerminalID,
		EncKey:     cfg.Posnet.EncKey,
	})
	if err != nil {
		return nil, fmt.Errorf("mac signer: %w", err)
	}

	weighingService, err := weighing.NewService(weighing.NewRepository(deps.DB), tx,
		weighing.WithLogger(deps.Logger),
		weighing.WithDefaultTolerance(cfg.Settlement.DefaultTolerance),
	)
	if err != nil {
		return nil, fmt.Errorf("weighing service: %w", err)
	}

	params := ServiceParams{
		Repo:     NewRepository(deps.DB),
		Tx:       tx,
		Weighing: weighingService,
		TxLog:    logService,
		Gateway:  gateway,
		Signer:   signer,
		Scorer:   fraud.Scorer{TrustPrivateNetworks: cfg.App.IsDev()},
		Settings: SettingsFromConfig(cfg),
		Logger:   deps.Logger,
		Metrics:  deps.Metrics,
	}
	// a nil *redis.Locker must not become a non-nil interface
	if deps.Locker != nil {
		params.Locker = deps.Locker
	}
	paymentService, err := NewService(params)
	if err != nil {
		return nil, fmt.Errorf("payments service: %w", err)
	}

	return &Components{
		Payments: paymentService,
		Weighing: weighingService,
		TxLog:    logService,
	}, nil
}
