package logintoken

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/gatehouselabs/gatehouse/pkg/audit"
	"github.com/gatehouselabs/gatehouse/pkg/httputil"
	"github.com/gatehouselabs/gatehouse/pkg/sso"
)

type exchangeRequest struct {
	Token string `json:"token"`
}

type exchangeResponse struct {
	UserID string `json:"user_id"`
}

// RegisterRoutes registers the login-token exchange endpoint.
func (c *Completer) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/login/token", c.handleExchange).Methods("POST")
}

// handleExchange handles POST /auth/login/token: one token, one user ID,
// one chance.
func (c *Completer) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Token, "token") {
		return
	}

	userID, err := c.ExchangeToken(req.Token)
	if err != nil {
		if sso.IsProtocolError(err) {
			c.recordAudit(r, audit.EventTokenRejected, audit.StatusFailure, func(e *audit.Event) {
				e.ErrorMessage = err.Error()
			})
			httputil.WriteForbidden(w, err.Error())
			return
		}
		c.logger.WithError(err).Error("failed to exchange login token")
		httputil.WriteInternalError(w, fmt.Errorf("token exchange failed"))
		return
	}

	c.recordAudit(r, audit.EventTokenExchanged, audit.StatusSuccess, func(e *audit.Event) {
		e.UserID = userID.String()
	})
	_ = httputil.WriteJSON(w, http.StatusOK, exchangeResponse{UserID: userID.String()})
}
