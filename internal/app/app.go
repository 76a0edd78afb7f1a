package app

import (
	"go.uber.org/fx"

	"github.com/craftline/ordercore/internal/cache"
	"github.com/craftline/ordercore/internal/config"
	"github.com/craftline/ordercore/internal/database"
	"github.com/craftline/ordercore/internal/gateway"
	"github.com/craftline/ordercore/internal/logger"
	"github.com/craftline/ordercore/internal/messaging"
	"github.com/craftline/ordercore/internal/observability"
	repositoryorder "github.com/craftline/ordercore/internal/repository/order"
	httpserver "github.com/craftline/ordercore/internal/server/http"
	serviceorder "github.com/craftline/ordercore/internal/service/order"
	servicepayment "github.com/craftline/ordercore/internal/service/payment"
	transporthttp "github.com/craftline/ordercore/internal/transport/http"
	"github.com/craftline/ordercore/internal/worker"
	workerorder "github.com/craftline/ordercore/internal/worker/order"
)

// Core provides the foundational modules shared across executables.
var Core = fx.Options(
	config.Module,
	cache.Module,
	database.Module,
	logger.Module,
	messaging.Module,
	observability.Module,
	gateway.Module,
	repositoryorder.Module,
	serviceorder.Module,
	servicepayment.Module,
)

// HTTP wires the HTTP transport on top of the core modules.
var HTTP = fx.Options(
	Core,
	httpserver.Module,
	transporthttp.Module,
)

// Worker exposes background worker processing.
var Worker = fx.Options(
	Core,
	worker.Module,
	workerorder.Module,
)

// Module is the default application wiring (HTTP only).
var Module = HTTP
