package handlers

import (
	"github.com/fatflowers/pointsledger/internal/app/service/ledgerlog"
	"github.com/fatflowers/pointsledger/internal/app/service/payment"
	pointsvc "github.com/fatflowers/pointsledger/internal/app/service/points"
	"github.com/fatflowers/pointsledger/internal/app/service/statistics"
	"github.com/fatflowers/pointsledger/pkg/response"
	"github.com/fatflowers/pointsledger/pkg/types"
)

// RespOK is a generic OK envelope for endpoints returning no specific data.
type RespOK struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    interface{}              `json:"data"`
}

// RespSpend wraps a spend decision in the standard envelope.
type RespSpend struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    pointsvc.SpendResult     `json:"data"`
}

// RespBalance wraps the balance view in the standard envelope.
type RespBalance struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    pointsvc.BalanceView     `json:"data"`
}

// RespEntitlement wraps the entitlement view in the standard envelope.
type RespEntitlement struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    types.Entitlement        `json:"data"`
}

// RespApplyResult wraps a webhook outcome in the standard envelope.
type RespApplyResult struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    payment.ApplyResult      `json:"data"`
}

// RespScanLedger wraps a ledger scan in the standard envelope.
type RespScanLedger struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    ledgerlog.ScanResponse   `json:"data"`
}

// RespRebuild wraps a rebuild report in the standard envelope.
type RespRebuild struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    ledgerlog.RebuildResult  `json:"data"`
}

// RespLedgerStatistic wraps LedgerStatisticResponse in the standard envelope.
type RespLedgerStatistic struct {
	Code    response.APIResponseCode           `json:"code"`
	Message string                             `json:"message"`
	Data    statistics.LedgerStatisticResponse `json:"data"`
}
