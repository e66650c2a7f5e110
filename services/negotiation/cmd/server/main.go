package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"pactlane/pkg/db"
	"pactlane/pkg/httpx"
	"pactlane/pkg/signature"
	"pactlane/services/negotiation/internal/protocol"
	"pactlane/services/negotiation/internal/store"
	"pactlane/services/negotiation/internal/sweeper"
	"pactlane/services/negotiation/internal/trust"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	pool := db.MustConnect()
	st := store.New(pool)

	cfg := protocol.Config{
		NegotiationTTL:    envDuration("NEGOTIATION_TTL", protocol.DefaultNegotiationTTL),
		FinalizationTTL:   envDuration("FINALIZATION_TTL", protocol.DefaultFinalizationTTL),
		RequireSignatures: os.Getenv("REQUIRE_SIGNATURES") == "true",
	}
	bridge := trust.NewBridge(st)
	svc := protocol.NewService(st, st, signature.Ed25519{}, bridge, cfg, log)

	sw := sweeper.New(svc, st, envDuration("SWEEP_INTERVAL", time.Minute), log)
	go sw.Run(context.Background())

	port := os.Getenv("SERVICE_PORT")
	if port == "" {
		port = "8084"
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/negotiation", func(api chi.Router) {

		// DEV helper to create tables for smoke tests.
		api.Post("/dev/ensure-schema", func(w http.ResponseWriter, r *http.Request) {
			if err := st.EnsureSchema(r.Context()); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "schema": "OK"})
		})

		api.Post("/keys", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ActorID   string `json:"actor_id"`
				PublicKey string `json:"public_key"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			if err := st.RegisterPublicKey(r.Context(), req.ActorID, req.PublicKey); err != nil {
				httpx.WriteError(w, 400, "BAD_KEY", err.Error())
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "actor_id": req.ActorID})
		})

		api.Post("/negotiations", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				InitiatorID    string         `json:"initiator_id"`
				ParticipantIDs []string       `json:"participant_ids"`
				Terms          map[string]any `json:"terms"`
				ConsensusCount int            `json:"consensus_count"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			n, err := svc.Create(r.Context(), req.InitiatorID, req.ParticipantIDs, req.Terms, req.ConsensusCount)
			if err != nil {
				writeProtocolError(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "negotiation": n})
		})

		api.Get("/negotiations/{negotiation_id}", func(w http.ResponseWriter, r *http.Request) {
			n, err := svc.Get(r.Context(), chi.URLParam(r, "negotiation_id"))
			if err != nil {
				writeProtocolError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "negotiation": n})
		})

		api.Get("/negotiations/{negotiation_id}/messages", func(w http.ResponseWriter, r *http.Request) {
			msgs, err := svc.Messages(r.Context(), chi.URLParam(r, "negotiation_id"))
			if err != nil {
				writeProtocolError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "messages": msgs})
		})

		api.Post("/negotiations/{negotiation_id}/join", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ParticipantID string `json:"participant_id"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			n, err := svc.Join(r.Context(), chi.URLParam(r, "negotiation_id"), req.ParticipantID)
			if err != nil {
				writeProtocolError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "negotiation": n})
		})

		api.Post("/negotiations/{negotiation_id}/offer", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				SenderID string         `json:"sender_id"`
				Terms    map[string]any `json:"terms"`
				Text     string         `json:"text"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			n, err := svc.Offer(r.Context(), chi.URLParam(r, "negotiation_id"), req.SenderID, req.Terms, req.Text)
			if err != nil {
				writeProtocolError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "negotiation": n})
		})

		api.Post("/negotiations/{negotiation_id}/accept", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				AcceptorID string `json:"acceptor_id"`
				Signature  string `json:"signature"`
				Text       string `json:"text"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			n, err := svc.Accept(r.Context(), chi.URLParam(r, "negotiation_id"), req.AcceptorID, req.Signature, req.Text)
			if err != nil {
				writeProtocolError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "negotiation": n})
		})

		api.Post("/negotiations/{negotiation_id}/finalize", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				FinalizerID string `json:"finalizer_id"`
				Signature   string `json:"signature"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			n, err := svc.Finalize(r.Context(), chi.URLParam(r, "negotiation_id"), req.FinalizerID, req.Signature)
			if err != nil {
				writeProtocolError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "negotiation": n})
		})

		api.Post("/negotiations/{negotiation_id}/withdraw", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				WithdrawerID string `json:"withdrawer_id"`
				Reason       string `json:"reason"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			n, err := svc.Withdraw(r.Context(), chi.URLParam(r, "negotiation_id"), req.WithdrawerID, req.Reason)
			if err != nil {
				writeProtocolError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "negotiation": n})
		})

		api.Post("/negotiations/{negotiation_id}/dispute", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				DisputerID string `json:"disputer_id"`
				Reason     string `json:"reason"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			n, ev, ap, err := svc.Dispute(r.Context(), chi.URLParam(r, "negotiation_id"), req.DisputerID, req.Reason)
			if err != nil {
				writeProtocolError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":  httpx.NewRequestID(),
				"negotiation": n,
				"trust_event": ev,
				"appeal":      ap,
			})
		})

		api.Get("/negotiations/{negotiation_id}/dispute", func(w http.ResponseWriter, r *http.Request) {
			ev, ap, err := st.GetDisputeRecords(r.Context(), chi.URLParam(r, "negotiation_id"))
			if err != nil {
				writeProtocolError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "trust_event": ev, "appeal": ap})
		})

		api.Get("/trust/actors/{actor_id}/events", func(w http.ResponseWriter, r *http.Request) {
			events, err := st.ListTrustEvents(r.Context(), chi.URLParam(r, "actor_id"))
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error())
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "events": events})
		})
	})

	log.WithField("port", port).Info("negotiation service listening")
	if err := http.ListenAndServe(":"+port, r); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

func writeProtocolError(w http.ResponseWriter, err error) {
	kind := protocol.KindOf(err)
	status := 500
	switch kind {
	case protocol.KindNotFound:
		status = 404
	case protocol.KindNotParticipant, protocol.KindNotInvited, protocol.KindInvalidSignature, protocol.KindNoPublicKey:
		status = 403
	case protocol.KindWrongStatus, protocol.KindCannotWithdrawBinding, protocol.KindStaleVersion:
		status = 409
	case protocol.KindInvalidConsensusCount:
		status = 400
	case protocol.KindConsistencyFault:
		status = 500
	case "":
		httpx.WriteError(w, 500, "INTERNAL", err.Error())
		return
	}
	httpx.WriteError(w, status, string(kind), err.Error())
}

func envDuration(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
