package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/carbonwatch/emissions-cli/internal/model"
	"github.com/carbonwatch/emissions-cli/internal/queue"
	"github.com/carbonwatch/emissions-cli/internal/record"
	"github.com/carbonwatch/emissions-cli/pkg/discord"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and review webhook server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownServer(srv, 10*time.Second)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// shutdownServer drains in-flight requests with its own deadline. The signal
// context that triggers shutdown is already canceled and would abort the
// drain immediately.
func shutdownServer(srv *http.Server, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func newRouter(env *pipelineEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/api/reports", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if err := validateReportURL(body.URL); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		jobID, err := env.Broker.Enqueue(req.Context(), queue.QueueDownload, model.JobPayload{URL: body.URL})
		if err != nil {
			zap.L().Error("enqueue download failed", zap.String("url", body.URL), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue failed"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID, "url": body.URL})
	})

	r.Post("/api/interactions", func(w http.ResponseWriter, req *http.Request) {
		handleInteraction(env, w, req)
	})

	r.Post("/api/records/{id}/resolve", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Decision model.Decision `json:"decision"`
			Patch    model.Patch    `json:"patch,omitempty"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if !body.Decision.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid decision"})
			return
		}

		jobID, err := env.Broker.Enqueue(req.Context(), queue.QueueResolve, model.JobPayload{
			RecordID: chi.URLParam(req, "id"),
			Decision: body.Decision,
			Patch:    body.Patch,
		})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue failed"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
	})

	r.Get("/api/records", func(w http.ResponseWriter, req *http.Request) {
		filter := record.ListFilter{
			IncludeHidden: req.URL.Query().Get("all") == "true",
			Limit:         queryInt(req, "limit"),
			Offset:        queryInt(req, "offset"),
		}
		recs, err := env.Store.List(req.Context(), filter)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list failed"})
			return
		}
		if recs == nil {
			recs = []record.PersistedRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
	})

	r.Get("/api/records/{id}", func(w http.ResponseWriter, req *http.Request) {
		rec, err := env.Store.Get(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "record not found"})
			return
		}
		writeJSON(w, http.StatusOK, rec)
	})

	r.Get("/api/queues", func(w http.ResponseWriter, req *http.Request) {
		depths, err := env.Broker.Depths(req.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "depths failed"})
			return
		}
		writeJSON(w, http.StatusOK, depths)
	})

	return r
}

// Discord interaction and callback types.
const (
	interactionPing        = 1
	interactionComponent   = 3
	interactionModalSubmit = 5

	callbackPong    = 1
	callbackMessage = 4
	callbackModal   = 9
)

// interactionRequest covers both component clicks and modal submits; a click
// carries only the custom id, a submit also carries the text-input rows.
type interactionRequest struct {
	Type int `json:"type"`
	Data struct {
		CustomID   string `json:"custom_id"`
		Components []struct {
			Components []struct {
				CustomID string `json:"custom_id"`
				Value    string `json:"value"`
			} `json:"components"`
		} `json:"components"`
	} `json:"data"`
}

// handleInteraction answers the review channel's button clicks. Approve and
// reject are acknowledged immediately and applied asynchronously through the
// resolve queue, so a repeated callback delivery converges in the store. Edit
// first opens a modal collecting the field changes; the resolution is only
// enqueued once the submitted patch arrives.
func handleInteraction(env *pipelineEnv, w http.ResponseWriter, req *http.Request) {
	var interaction interactionRequest
	if err := json.NewDecoder(req.Body).Decode(&interaction); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid interaction"})
		return
	}

	switch interaction.Type {
	case interactionPing:
		writeJSON(w, http.StatusOK, map[string]int{"type": callbackPong})

	case interactionComponent:
		decision, recordID, err := discord.ParseCustomID(interaction.Data.CustomID)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown component"})
			return
		}
		if decision == model.DecisionEdited {
			writeJSON(w, http.StatusOK, editModal(recordID))
			return
		}
		enqueueResolution(env, w, req, recordID, decision, nil)

	case interactionModalSubmit:
		decision, recordID, err := discord.ParseCustomID(interaction.Data.CustomID)
		if err != nil || decision != model.DecisionEdited {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown modal"})
			return
		}
		var patch model.Patch
		if err := json.Unmarshal([]byte(modalValue(interaction, "patch")), &patch); err != nil || len(patch) == 0 {
			writeJSON(w, http.StatusOK, map[string]any{
				"type": callbackMessage,
				"data": map[string]string{
					"content": "The edit was not valid JSON; nothing was applied.",
				},
			})
			return
		}
		enqueueResolution(env, w, req, recordID, decision, patch)

	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported interaction type"})
	}
}

func enqueueResolution(env *pipelineEnv, w http.ResponseWriter, req *http.Request, recordID string, decision model.Decision, patch model.Patch) {
	if _, err := env.Broker.Enqueue(req.Context(), queue.QueueResolve, model.JobPayload{
		RecordID: recordID,
		Decision: decision,
		Patch:    patch,
	}); err != nil {
		zap.L().Error("enqueue resolve failed", zap.String("record_id", recordID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type": callbackMessage,
		"data": map[string]string{
			"content": fmt.Sprintf("Recorded %s for record %s.", decision, recordID),
		},
	})
}

// editModal builds the modal shown on an edit click. Its custom id reuses the
// button encoding so the submit routes back to the same record.
func editModal(recordID string) map[string]any {
	return map[string]any{
		"type": callbackModal,
		"data": map[string]any{
			"custom_id": discord.BuildCustomID(model.DecisionEdited, recordID),
			"title":     "Edit record",
			"components": []any{
				map[string]any{
					"type": 1,
					"components": []any{
						map[string]any{
							"type":      4,
							"custom_id": "patch",
							"style":     2,
							"label":     "Field changes (JSON)",
							"required":  true,
						},
					},
				},
			},
		},
	}
}

func modalValue(interaction interactionRequest, customID string) string {
	for _, row := range interaction.Data.Components {
		for _, c := range row.Components {
			if c.CustomID == customID {
				return c.Value
			}
		}
	}
	return ""
}

func validateReportURL(raw string) error {
	if raw == "" {
		return eris.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return eris.New("url is not valid")
	}
	switch u.Scheme {
	case "http", "https", "ftp":
	default:
		return eris.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return eris.New("url has no host")
	}
	return nil
}

func queryInt(req *http.Request, key string) int {
	n, err := strconv.Atoi(req.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
