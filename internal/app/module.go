package app

import (
	"time"

	"github.com/fatflowers/pointsledger/internal/app/api/server"
	"github.com/fatflowers/pointsledger/internal/app/service/eventlog"
	"github.com/fatflowers/pointsledger/internal/app/service/expiry"
	"github.com/fatflowers/pointsledger/internal/app/service/ledgerlog"
	"github.com/fatflowers/pointsledger/internal/app/service/payment"
	"github.com/fatflowers/pointsledger/internal/app/service/points"
	"github.com/fatflowers/pointsledger/internal/app/service/statistics"
	"github.com/fatflowers/pointsledger/internal/app/service/subscription"
	"github.com/fatflowers/pointsledger/internal/platform/db"
	"github.com/fatflowers/pointsledger/pkg/config"
	"github.com/fatflowers/pointsledger/pkg/logger"

	"go.uber.org/fx"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	server.Module,
	ledgerlog.Module,
	expiry.Module,
	subscription.Module,
	points.Module,
	eventlog.Module,
	payment.Module,
	statistics.Module,
)
