package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"relaysync/pkg/backgroundsync"
	"relaysync/pkg/pool"
	"relaysync/pkg/sharedfolder"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatusReport is served at GET /status.
type StatusReport struct {
	Queue   backgroundsync.QueueStatus `json:"queue"`
	Global  backgroundsync.Progress    `json:"global"`
	Pool    pool.Stats                 `json:"pool"`
	Folders []sharedfolder.Status      `json:"folders"`
}

// Status collects the current report.
func (c *Coordinator) Status() StatusReport {
	folders := c.Folders()
	report := StatusReport{
		Queue:   c.bg.QueueStatus(),
		Global:  c.bg.GlobalProgress(),
		Pool:    c.pool.Stats(),
		Folders: make([]sharedfolder.Status, 0, len(folders)),
	}
	for _, f := range folders {
		report.Folders = append(report.Folders, f.Status())
	}
	return report
}

// Handler serves /status and /metrics.
func (c *Coordinator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", c.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	return mux
}

func (c *Coordinator) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(c.Status()); err != nil {
		c.logger.Warn("Failed to write status", zap.Error(err))
	}
}

func (c *Coordinator) startHTTP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	c.httpListener = listener
	c.httpServer = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := c.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("Status server failed", zap.Error(err))
		}
	}()
	c.logger.Info("Status server listening", zap.String("address", listener.Addr().String()))
	return nil
}

// StatusAddr returns the bound status address, empty when disabled.
func (c *Coordinator) StatusAddr() string {
	if c.httpListener == nil {
		return ""
	}
	return c.httpListener.Addr().String()
}

// FetchStatus reads the report served at addr.
func FetchStatus(ctx context.Context, addr string) (*StatusReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status request failed: %s: %s", resp.Status, body)
	}
	var report StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &report, nil
}
