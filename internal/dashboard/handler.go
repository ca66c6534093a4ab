package dashboard

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/deeplynx/loader/internal/config"
	"github.com/deeplynx/loader/internal/loader"
)

// SourceData describes the synchronization of one data source.
type SourceData struct {
	Table                    string `json:"table"`
	Mode                     string `json:"mode"`
	Reason                   string `json:"reason"`
	StartTime                string `json:"start_time,omitempty"`
	SecondaryIndexStartValue uint64 `json:"secondary_index_start_value,omitempty"`
	Rows                     int64  `json:"rows"`
	Expired                  int64  `json:"expired"`
	Archived                 string `json:"archived,omitempty"`
	DurationMS               int64  `json:"duration_ms"`
	Error                    string `json:"error,omitempty"`
}

// PassData describes one pass over every data source.
type PassData struct {
	Started    time.Time    `json:"started"`
	DurationMS int64        `json:"duration_ms"`
	Sources    []SourceData `json:"sources"`
	Error      string       `json:"error,omitempty"`
}

// ReloadData describes a configuration reload.
type ReloadData struct {
	Tables          []string `json:"tables"`
	RefreshInterval int      `json:"refresh_interval"`
}

// StatsData contains running totals since the daemon started.
type StatsData struct {
	Passes      int       `json:"passes"`
	Failures    int       `json:"failures"`
	RowsLoaded  int64     `json:"rows_loaded"`
	RowsExpired int64     `json:"rows_expired"`
	LastPass    *PassData `json:"last_pass,omitempty"`
}

// Handler turns daemon events into dashboard messages.
type Handler struct {
	server *Server
	logger *slog.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = server.logger
	}
	return &Handler{
		server: server,
		logger: logger,
	}
}

// OnPass handles the end of a pass, successful or not.
func (h *Handler) OnPass(report *loader.PassReport, err error) {
	pass := newPassData(report, err)

	for _, src := range pass.Sources {
		h.send(MessageTypeSourceSynced, src.Table, src)
	}

	h.mu.Lock()
	h.stats.Passes++
	if err != nil {
		h.stats.Failures++
	}
	for _, src := range pass.Sources {
		h.stats.RowsLoaded += src.Rows
		h.stats.RowsExpired += src.Expired
	}
	h.stats.LastPass = &pass
	stats := h.stats
	h.mu.Unlock()

	if err != nil {
		h.logger.Debug("broadcasting failed pass", "error", err)
		h.send(MessageTypePassFailed, "", pass)
	} else {
		h.send(MessageTypePassComplete, "", pass)
	}

	if err := h.server.SetStatus(stats); err != nil {
		h.logger.Warn("failed to update status", "error", err)
	}
	h.send(MessageTypeStats, "", stats)
}

// OnReload handles a configuration reload.
func (h *Handler) OnReload(cfg *config.Config) {
	data := ReloadData{RefreshInterval: cfg.RefreshInterval}
	for _, src := range cfg.DataSources {
		data.Tables = append(data.Tables, src.TableName)
	}
	h.send(MessageTypeConfigReloaded, "", data)
}

// GetStats returns the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// send broadcasts v as a message of typ; table is set for per-source
// messages.
func (h *Handler) send(typ MessageType, table string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("failed to marshal message", "type", string(typ), "error", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Table:     table,
		Data:      data,
	})
}

func newPassData(report *loader.PassReport, err error) PassData {
	var pass PassData
	if err != nil {
		pass.Error = err.Error()
	}
	if report == nil {
		return pass
	}

	pass.Started = report.Started
	pass.DurationMS = report.Duration.Milliseconds()
	pass.Sources = make([]SourceData, 0, len(report.Sources))
	for _, rep := range report.Sources {
		src := SourceData{
			Table:                    rep.Table,
			Mode:                     rep.Mode.String(),
			Reason:                   rep.Reason.String(),
			StartTime:                rep.Query.StartTime,
			SecondaryIndexStartValue: rep.Query.SecondaryIndexStartValue,
			Rows:                     rep.Rows,
			Expired:                  rep.Expired,
			Archived:                 rep.Archived,
			DurationMS:               rep.Duration.Milliseconds(),
		}
		if rep.Err != nil {
			src.Error = rep.Err.Error()
		}
		pass.Sources = append(pass.Sources, src)
	}
	return pass
}
