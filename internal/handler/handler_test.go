package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"coinledger/internal/config"
	"coinledger/internal/infrastructure/database"
	"coinledger/internal/logging"
	"coinledger/internal/model"
	"coinledger/internal/service"
	"coinledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	router *gin.Engine
	svc    *service.Services
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Config{
		Server:   config.ServerConfig{Mode: gin.TestMode},
		Database: config.DatabaseConfig{Driver: "sqlite", LogLevel: "silent"},
		Kafka: config.KafkaConfig{Topic: config.KafkaTopicConfig{
			TransferResult: "transfer_result",
			PayoutResult:   "payout_result",
		}},
		Business: config.BusinessConfig{
			TransferStaleMinutes:  5,
			MaxRetryCount:         3,
			PayoutIntervalMinutes: 60,
			PayoutTimezone:        "UTC",
			FamValidityDays:       30,
			LockTTLSeconds:        5,
			MessageTimezone:       "UTC",
		},
	}
	db, err := database.InitDB(&cfg.Database, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	svc := service.NewServices(db, nil, cfg, logging.Discard())
	return &testServer{router: SetupRouter(svc, cfg, logging.Discard()), svc: svc}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) apiResponse {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func (s *testServer) mustOK(t *testing.T, method, path string, body interface{}, out interface{}) {
	t.Helper()
	resp := s.do(t, method, path, body)
	require.Equalf(t, response.CodeSuccess, resp.Code, "%s %s: %s", method, path, resp.Message)
	if out != nil {
		require.NoError(t, json.Unmarshal(resp.Data, out))
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestAccountGrantAndTransfer(t *testing.T) {
	s := newTestServer(t)

	s.mustOK(t, http.MethodPost, "/api/v1/account/create", gin.H{"user_id": 1, "role": "admin"}, nil)
	s.mustOK(t, http.MethodPost, "/api/v1/account/create", gin.H{"user_id": 2}, nil)
	s.mustOK(t, http.MethodPost, "/api/v1/account/create", gin.H{"user_id": 3, "role": "creator"}, nil)

	resp := s.do(t, http.MethodPost, "/api/v1/account/create", gin.H{"user_id": 2})
	assert.Equal(t, response.CodeAccountExists, resp.Code)

	var granted struct {
		Balance int64 `json:"balance"`
	}
	s.mustOK(t, http.MethodPost, "/api/v1/account/grant",
		gin.H{"request_id": "g1", "operator_id": 1, "user_id": 2, "amount": 100}, &granted)
	assert.Equal(t, int64(100), granted.Balance)

	resp = s.do(t, http.MethodPost, "/api/v1/account/grant",
		gin.H{"request_id": "g2", "operator_id": 2, "user_id": 2, "amount": 100})
	assert.Equal(t, response.CodeForbidden, resp.Code)

	transfer := gin.H{"request_id": "t1", "payer_id": 2, "payee_id": 3, "amount": 40, "cause": "tip"}
	var result service.TransferResult
	s.mustOK(t, http.MethodPost, "/api/v1/transfer/execute", transfer, &result)
	assert.Equal(t, model.TransferStatusCompleted, result.Status)
	assert.False(t, result.Duplicate)

	s.mustOK(t, http.MethodPost, "/api/v1/transfer/execute", transfer, &result)
	assert.True(t, result.Duplicate)

	resp = s.do(t, http.MethodPost, "/api/v1/transfer/execute",
		gin.H{"request_id": "t2", "payer_id": 2, "payee_id": 3, "amount": 1000, "cause": "tip"})
	assert.Equal(t, response.CodeInsufficientFunds, resp.Code)

	var detail service.TransferResult
	s.mustOK(t, http.MethodGet, "/api/v1/transfer/detail?request_id=t2", nil, &detail)
	assert.Equal(t, model.TransferStatusFailed, detail.Status)

	var byNo service.TransferResult
	s.mustOK(t, http.MethodGet, "/api/v1/transfer/detail?transfer_no="+detail.TransferNo, nil, &byNo)
	assert.Equal(t, "t2", byNo.RequestID)
	assert.Equal(t, model.TransferStatusFailed, byNo.Status)

	resp = s.do(t, http.MethodGet, "/api/v1/transfer/detail?transfer_no=TRF-missing", nil)
	assert.Equal(t, response.CodeTransferNotFound, resp.Code)

	var balance struct {
		Balance int64 `json:"balance"`
	}
	s.mustOK(t, http.MethodGet, "/api/v1/account/balance?user_id=2", nil, &balance)
	assert.Equal(t, int64(60), balance.Balance)

	var reconcile service.ReconcileResult
	s.mustOK(t, http.MethodGet, "/api/v1/audit/reconcile?user_id=3", nil, &reconcile)
	assert.True(t, reconcile.Consistent)
	assert.Equal(t, int64(40), reconcile.Balance)

	var page struct {
		Total int64 `json:"total"`
	}
	s.mustOK(t, http.MethodGet, "/api/v1/audit/transactions?user_id=2&type=grant", nil, &page)
	assert.Equal(t, int64(1), page.Total)
}

func TestParamErrors(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/api/v1/account/balance?user_id=abc", nil)
	assert.Equal(t, response.CodeParamError, resp.Code)

	resp = s.do(t, http.MethodPost, "/api/v1/transfer/execute", gin.H{"payer_id": 1, "payee_id": 2, "amount": 10})
	assert.Equal(t, response.CodeParamError, resp.Code)

	resp = s.do(t, http.MethodGet, "/api/v1/account/balance?user_id=99", nil)
	assert.Equal(t, response.CodeAccountNotFound, resp.Code)

	resp = s.do(t, http.MethodGet, "/api/v1/audit/transactions?start=yesterday", nil)
	assert.Equal(t, response.CodeParamError, resp.Code)

	resp = s.do(t, http.MethodGet, "/api/v1/transfer/detail", nil)
	assert.Equal(t, response.CodeParamError, resp.Code)
}

func TestMessageChargeWithheld(t *testing.T) {
	s := newTestServer(t)
	s.mustOK(t, http.MethodPost, "/api/v1/account/create", gin.H{"user_id": 1}, nil)
	s.mustOK(t, http.MethodPost, "/api/v1/account/create", gin.H{"user_id": 2, "role": "creator"}, nil)
	s.mustOK(t, http.MethodPut, "/api/v1/message/policy",
		gin.H{"creator_id": 2, "cost_per_message": 50, "enabled": true}, nil)

	var quote service.Quote
	s.mustOK(t, http.MethodGet, "/api/v1/message/quote?sender_id=1&creator_id=2", nil, &quote)
	assert.True(t, quote.RequiresPayment)
	assert.Equal(t, int64(50), quote.Amount)

	resp := s.do(t, http.MethodPost, "/api/v1/message/charge",
		gin.H{"request_id": "m1", "sender_id": 1, "creator_id": 2, "message_ref": "msg-1"})
	assert.Equal(t, response.CodeInsufficientFunds, resp.Code)

	var result service.ChargeResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.False(t, result.Delivered)
	assert.Equal(t, int64(50), result.Quote.Amount)
	assert.Zero(t, result.Balance)

	// 重试同一条失败的消息，仍然报告未送达
	resp = s.do(t, http.MethodPost, "/api/v1/message/charge",
		gin.H{"request_id": "m1", "sender_id": 1, "creator_id": 2, "message_ref": "msg-1"})
	assert.Equal(t, response.CodeDuplicateRequest, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.False(t, result.Delivered)

	resp = s.do(t, http.MethodPut, "/api/v1/message/policy",
		gin.H{"creator_id": 2, "cost_per_message": service.MaxCostPerMessage + 1, "enabled": true})
	assert.Equal(t, response.CodeParamError, resp.Code)
}

func TestMembershipEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.mustOK(t, http.MethodPost, "/api/v1/account/create", gin.H{"user_id": 1, "role": "admin"}, nil)
	s.mustOK(t, http.MethodPost, "/api/v1/account/create", gin.H{"user_id": 2, "role": "creator"}, nil)
	s.mustOK(t, http.MethodPost, "/api/v1/account/create", gin.H{"user_id": 3}, nil)
	s.mustOK(t, http.MethodPost, "/api/v1/account/grant",
		gin.H{"request_id": "g", "operator_id": 1, "user_id": 3, "amount": 100}, nil)

	var offering model.Offering
	s.mustOK(t, http.MethodPost, "/api/v1/offering/create",
		gin.H{"kind": "tournament", "owner_id": 2, "title": "cup", "entry_fee": 25, "refundable": true}, &offering)

	s.mustOK(t, http.MethodPost, "/api/v1/membership/join",
		gin.H{"request_id": "j", "user_id": 3, "offering_id": offering.ID}, nil)

	resp := s.do(t, http.MethodPost, "/api/v1/membership/join",
		gin.H{"request_id": "j2", "user_id": 3, "offering_id": offering.ID})
	assert.Equal(t, response.CodeAlreadyMember, resp.Code)

	var members struct {
		Total int `json:"total"`
	}
	s.mustOK(t, http.MethodGet, "/api/v1/membership/list?offering_id=1&status=active", nil, &members)
	assert.Equal(t, 1, members.Total)

	var withdrawn service.WithdrawResult
	s.mustOK(t, http.MethodPost, "/api/v1/membership/withdraw",
		gin.H{"request_id": "w", "user_id": 3, "offering_id": offering.ID}, &withdrawn)
	assert.Equal(t, int64(25), withdrawn.Refunded)

	s.mustOK(t, http.MethodPost, "/api/v1/offering/close", gin.H{"offering_id": offering.ID}, nil)
	resp = s.do(t, http.MethodPost, "/api/v1/membership/join",
		gin.H{"request_id": "j3", "user_id": 3, "offering_id": offering.ID})
	assert.Equal(t, response.CodeOfferingClosed, resp.Code)
}

func TestPayoutEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.mustOK(t, http.MethodPost, "/api/v1/account/create", gin.H{"user_id": 1, "role": "admin"}, nil)
	s.mustOK(t, http.MethodPost, "/api/v1/account/create", gin.H{"user_id": 7, "role": "creator"}, nil)
	s.mustOK(t, http.MethodPost, "/api/v1/account/grant",
		gin.H{"request_id": "g", "operator_id": 1, "user_id": 7, "amount": 1200}, nil)

	var goal model.PayoutGoal
	s.mustOK(t, http.MethodPost, "/api/v1/payout/goal",
		gin.H{"creator_id": 7, "coin_goal": 1000, "payout_amount": "100.00"}, &goal)
	assert.True(t, goal.Enabled)

	s.mustOK(t, http.MethodPut, "/api/v1/payout/goal",
		gin.H{"creator_id": 7, "payout_amount": "120.5"}, &goal)
	assert.Equal(t, "120.50", goal.PayoutAmount.StringFixed(2))

	var report service.RunReport
	s.mustOK(t, http.MethodPost, "/api/v1/payout/run", nil, &report)
	require.Len(t, report.Paid, 1)
	assert.Equal(t, time.Now().UTC().Format(model.PayoutDateLayout), report.RunDate)

	resp := s.do(t, http.MethodPost, "/api/v1/payout/run", gin.H{"creator_id": 7})
	assert.Equal(t, response.CodeSuccess, resp.Code)
	var outcome service.GoalOutcome
	require.NoError(t, json.Unmarshal(resp.Data, &outcome))
	assert.Equal(t, service.PayoutStatusSkipped, outcome.Status)

	var records struct {
		Total int64 `json:"total"`
	}
	s.mustOK(t, http.MethodGet, "/api/v1/payout/records?creator_id=7", nil, &records)
	assert.Equal(t, int64(1), records.Total)

	s.mustOK(t, http.MethodDelete, "/api/v1/payout/goal?creator_id=7", nil, nil)
	resp = s.do(t, http.MethodGet, "/api/v1/payout/goal?creator_id=7", nil)
	assert.Equal(t, response.CodeGoalNotFound, resp.Code)
}
