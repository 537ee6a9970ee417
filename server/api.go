// Copyright 2024 The Relay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

// ApiServer hosts the realtime socket endpoint, the trusted backend
// admission endpoints, and the operational endpoints.
type ApiServer struct {
	logger          *zap.Logger
	config          Config
	db              *sql.DB
	sessionRegistry SessionRegistry
	roomRegistry    RoomRegistry
	tracker         Tracker
	router          MessageRouter
	messageStore    MessageStore
	pipeline        *Pipeline
	metrics         Metrics
	validate        *validator.Validate
	upgrader        *websocket.Upgrader
	server          *http.Server
}

func StartApiServer(logger *zap.Logger, config Config, db *sql.DB, sessionRegistry SessionRegistry, roomRegistry RoomRegistry, tracker Tracker, router MessageRouter, messageStore MessageStore, pipeline *Pipeline, metrics Metrics) *ApiServer {
	s := &ApiServer{
		logger:          logger,
		config:          config,
		db:              db,
		sessionRegistry: sessionRegistry,
		roomRegistry:    roomRegistry,
		tracker:         tracker,
		router:          router,
		messageStore:    messageStore,
		pipeline:        pipeline,
		metrics:         metrics,
		validate:        validator.New(),
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleSocket).Methods(http.MethodGet)
	r.HandleFunc("/v1/notify/group-created", s.handleGroupCreated).Methods(http.MethodPost)
	r.HandleFunc("/v1/notify/message", s.handleFileMessage).Methods(http.MethodPost)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	accessLog := &zapio.Writer{Log: logger.Named("access"), Level: zap.DebugLevel}
	handler := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(
		handlers.CombinedLoggingHandler(accessLog, r))

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.GetSocket().Address, config.GetSocket().Port),
		Handler:      handler,
		ReadTimeout:  0, // Long-lived socket connections manage their own deadlines.
		WriteTimeout: 0,
	}

	go func() {
		logger.Info("Starting API server", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("API server listener failed", zap.Error(err))
		}
	}()

	return s
}

func (s *ApiServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("API server shutdown failed", zap.Error(err))
	}
}

// handleSocket upgrades the connection and binds it to the identity carried
// by the handshake token. Authentication happened upstream at the token
// issuer; only the signature and expiry are checked here.
func (s *ApiServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.parseToken(r.URL.Query().Get("token"))
	if err != nil {
		s.logger.Debug("Rejected socket handshake", zap.Error(err))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader writes its own response on failure.
		s.logger.Debug("Could not upgrade connection", zap.Error(err))
		return
	}

	clientIP, clientPort := extractClientAddress(r)
	sessionID := uuid.Must(uuid.NewV4())

	session := NewSessionWS(s.logger, s.config, sessionID, identity, clientIP, clientPort, conn, s.sessionRegistry, s.roomRegistry, s.tracker, s.metrics, s.pipeline)
	s.sessionRegistry.Add(session)
	session.Consume()
}

func (s *ApiServer) parseToken(tokenString string) (string, error) {
	if tokenString == "" {
		return "", errors.New("missing token")
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.GetSession().TokenKey), nil
	})
	if err != nil {
		return "", fmt.Errorf("could not parse token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", errors.New("token invalid or missing subject")
	}
	if maxLifetime := time.Duration(s.config.GetSession().TokenExpirySec) * time.Second; maxLifetime > 0 {
		// The issuing backend and this config must agree on token lifetime.
		// A missing expiry or one further out than the configured bound means
		// a misissued or forged token.
		if claims.ExpiresAt == nil || time.Until(claims.ExpiresAt.Time) > maxLifetime {
			return "", errors.New("token expiry missing or outside accepted bound")
		}
	}
	return claims.Subject, nil
}

func (s *ApiServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func extractClientAddress(r *http.Request) (string, string) {
	host, port, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr, ""
	}
	return host, port
}
