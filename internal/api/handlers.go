package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Coding-With-Josh/aegis/internal/agent"
	"github.com/Coding-With-Josh/aegis/internal/auth"
	"github.com/Coding-With-Josh/aegis/internal/capital"
	xerrors "github.com/Coding-With-Josh/aegis/internal/errors"
	"github.com/Coding-With-Josh/aegis/internal/execution"
	"github.com/Coding-With-Josh/aegis/internal/hitl"
	"github.com/Coding-With-Josh/aegis/internal/intent"
	"github.com/Coding-With-Josh/aegis/internal/ledger/solana"
	"github.com/Coding-With-Josh/aegis/internal/policy"
	"github.com/Coding-With-Josh/aegis/internal/simulation"
	"github.com/Coding-With-Josh/aegis/internal/txhistory"
)

const (
	maxBodyBytes        = 1 << 20
	defaultListLimit    = 50
	credentialNote      = "save your apiKey, it will not be shown again"
	contentTypeJSON     = "application/json"
	contentTypeCSV      = "text/csv; charset=utf-8"
	headerContentDispos = "Content-Disposition"
)

// errorBody 是所有失败响应的结构。
type errorBody struct {
	Error           string              `json:"error"`
	Code            xerrors.Code        `json:"code"`
	Violations      []policy.Violation  `json:"violations,omitempty"`
	Fields          []intent.FieldError `json:"fields,omitempty"`
	SimulationError string              `json:"simulationError,omitempty"`
	RiskReason      string              `json:"riskReason,omitempty"`
	Logs            []string            `json:"logs,omitempty"`
	TransactionID   string              `json:"transactionId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeJSON(w, xerrors.HTTPStatus(err), s.errorBody(r, err))
}

func (s *Server) errorBody(r *http.Request, err error) errorBody {
	e, ok := xerrors.From(err)
	if !ok {
		s.log.Error("unhandled request error", slog.String("path", r.URL.Path), slog.Any("error", err))
		return errorBody{Error: "internal error", Code: xerrors.CodeUnknown}
	}
	body := errorBody{Error: e.Message(), Code: e.Code()}
	switch details := e.Details().(type) {
	case []policy.Violation:
		body.Violations = details
	case []intent.FieldError:
		body.Fields = details
	case *simulation.Report:
		body.SimulationError = details.Error
		body.RiskReason = details.RiskReason
		body.Logs = details.Logs
	}
	if e.Code() == xerrors.CodeUnknown || xerrors.HTTPStatus(err) >= http.StatusInternalServerError {
		s.log.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("code", string(e.Code())),
			slog.Any("error", err))
	}
	return body
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return xerrors.New(xerrors.CodeValidation, "request body is required")
		}
		return xerrors.Wrap(xerrors.CodeValidation, err, "request body is not valid JSON")
	}
	return nil
}

func limitParam(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultListLimit
}

// agentOf 返回认证中间件写入上下文的智能体。
func agentOf(r *http.Request) *agent.Agent {
	return auth.AgentFromContext(r.Context())
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var params agent.CreateParams
	if err := decodeJSON(w, r, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.deps.Agents.Create(r.Context(), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"agentId":   created.Agent.ID,
		"publicKey": created.Agent.PublicKey,
		"apiKey":    created.APIKey,
		"agent":     created.Agent,
		"note":      credentialNote,
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Agents.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status agent.Status `json:"status"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.deps.Agents.UpdateStatus(r.Context(), agentOf(r).ID, body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleUpdateExecutionMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ExecutionMode agent.ExecutionMode `json:"executionMode"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.deps.Agents.UpdateExecutionMode(r.Context(), agentOf(r).ID, body.ExecutionMode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var patch policy.Patch
	if err := decodeJSON(w, r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.deps.Agents.UpdatePolicy(r.Context(), agentOf(r).ID, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleUpdateUSDPolicy 接受 USD 策略对象，传 null 表示移除。
func (s *Server) handleUpdateUSDPolicy(w http.ResponseWriter, r *http.Request) {
	var p *policy.USDPolicy
	if err := decodeJSON(w, r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.deps.Agents.UpdateUSDPolicy(r.Context(), agentOf(r).ID, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handlePolicyVersions(w http.ResponseWriter, r *http.Request) {
	id := agentOf(r).ID
	versions, err := s.deps.Agents.PolicyVersions(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agentId": id, "versions": versions})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	a := agentOf(r)
	lamports, err := s.deps.Balances.Balance(r.Context(), a.PublicKey)
	if err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "read balance"))
		return
	}
	today, err := s.deps.Spend.DailySpend(r.Context(), a.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balanceSOL := float64(lamports) / solana.LamportsPerSOL
	writeJSON(w, http.StatusOK, map[string]any{
		"agentId":         a.ID,
		"publicKey":       a.PublicKey,
		"balanceSol":      balanceSOL,
		"balanceLamports": lamports,
		"balanceUSD":      s.deps.Oracle.ToUSD(r.Context(), balanceSOL, intent.NativeMint),
		"dailySpend":      today,
	})
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	today, err := s.deps.Spend.DailySpend(r.Context(), agentOf(r).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, today)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	id := agentOf(r).ID
	txs, err := s.deps.Transactions.ListTransactions(r.Context(), id, limitParam(r))
	if err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list transactions"))
		return
	}
	if txs == nil {
		txs = []*txhistory.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agentId": id, "transactions": txs})
}

// executeResponse 是执行成功或进入审批时的响应。
type executeResponse struct {
	Status        txhistory.Status `json:"status"`
	TransactionID string           `json:"transactionId"`
	IntentHash    string           `json:"intentHash"`
	*execution.Receipt
	PendingID string     `json:"pendingId,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	USDValue  float64    `json:"usdValue"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req execution.Request
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Intent.Type == "" {
		s.writeError(w, r, xerrors.New(xerrors.CodeValidation, "intent.type is required"))
		return
	}
	if len(req.Intent.Params) == 0 || string(req.Intent.Params) == "null" {
		req.Intent.Params = json.RawMessage(`{}`)
	}

	out, err := s.deps.Executor.Execute(r.Context(), agentOf(r).ID, req)
	if err != nil {
		body := s.errorBody(r, err)
		if out != nil {
			body.TransactionID = out.TransactionID
			if len(out.Violations) > 0 {
				body.Violations = out.Violations
			}
		}
		writeJSON(w, xerrors.HTTPStatus(err), body)
		return
	}

	resp := executeResponse{
		Status:        out.Status,
		TransactionID: out.TransactionID,
		IntentHash:    out.IntentHash,
		Receipt:       out.Receipt,
		PendingID:     out.PendingID,
		ExpiresAt:     out.ExpiresAt,
		USDValue:      out.USDValue,
	}
	status := http.StatusOK
	if out.Status == txhistory.StatusAwaitingApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	id := agentOf(r).ID
	list, err := s.deps.Approvals.List(r.Context(), id, hitl.Status(r.URL.Query().Get("status")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agentId": id, "pending": list})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Approvals.Approve(r.Context(), r.PathValue("txId"), agentOf(r).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Approvals.Reject(r.Context(), r.PathValue("txId"), agentOf(r).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := agentOf(r).ID
	artifacts, err := s.deps.Audit.Read(r.Context(), id, limitParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agentId": id, "artifacts": artifacts})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	id := agentOf(r).ID
	payload, err := s.deps.Audit.Export(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.Header().Set(headerContentDispos, fmt.Sprintf("attachment; filename=\"audit-%s.json\"", id))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) handleCapital(w http.ResponseWriter, r *http.Request) {
	a := agentOf(r)
	portfolio := s.deps.Oracle.PortfolioUSD(r.Context(), s.deps.Balances, a.PublicKey)
	state, err := s.deps.Capital.LedgerState(r.Context(), a.ID, portfolio)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.deps.Capital.Events(r.Context(), a.ID, limitParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ledger": state, "events": events})
}

func (s *Server) handleCapitalExport(w http.ResponseWriter, r *http.Request) {
	id := agentOf(r).ID
	var buf bytes.Buffer
	if err := s.deps.Capital.ExportCSV(r.Context(), id, &buf); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentTypeCSV)
	w.Header().Set(headerContentDispos, fmt.Sprintf("attachment; filename=\"capital-%s.csv\"", id))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleFunding(w http.ResponseWriter, r *http.Request) {
	var params capital.EventParams
	if err := decodeJSON(w, r, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.Type == "" {
		params.Type = capital.EventFunding
	}
	ev, err := s.deps.Capital.LogEvent(r.Context(), agentOf(r).ID, params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	perf, err := s.deps.Capital.Performance(r.Context(), agentOf(r).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perf)
}
