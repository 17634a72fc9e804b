package cmd

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/airframesio/legacy-extractor/cmd/manifest"
)

const (
	debounceDuration = 200 * time.Millisecond
	refreshInterval  = 2 * time.Second
	wsWriteTimeout   = 5 * time.Second
	logBacklog       = 200
)

//go:embed web/viewer.html
var viewerHTML []byte

var viewerCmd = &cobra.Command{
	Use:   "viewer",
	Short: "Start a web server to watch extraction progress",
	Long: `Starts a local web server that shows the progress file and the running
extractor, updated live over a WebSocket as the progress file changes.`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return bindFlags(cmd, map[string]string{
			"viewer_port":          "port",
			"output.dir":           "output",
			"output.progress_file": "progress-file",
		})
	},
	RunE: runViewer,
}

func init() {
	rootCmd.AddCommand(viewerCmd)
	viewerCmd.Flags().IntP("port", "p", 8080, "port to run the web server on")
	viewerCmd.Flags().StringP("output", "o", "./extract", "output directory of the extraction")
	viewerCmd.Flags().String("progress-file", "", "progress file (default: <output>/progress.json)")
}

func runViewer(_ *cobra.Command, _ []string) error {
	initLogger(viper.GetBool("debug"), viper.GetString("log_format"), os.Stdout, nil)

	config := &Config{
		OutputDir:    viper.GetString("output.dir"),
		ProgressFile: viper.GetString("output.progress_file"),
	}
	addr := fmt.Sprintf(":%d", viper.GetInt("viewer_port"))

	logger.Info("")
	logger.Info("🚀 Legacy Extractor Viewer")
	logger.Info(fmt.Sprintf("📊 Watching %s", config.ProgressPath()))
	logger.Info(fmt.Sprintf("🌐 Open http://localhost%s in your browser", addr))
	logger.Info("⌨️  Press Ctrl+C to stop the server")

	return NewViewer(config.ProgressPath(), logger).ListenAndServe(commandContext(), addr)
}

// WSMessage is a typed WebSocket frame.
type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type LogMessage struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

type ManifestResponse struct {
	Available bool               `json:"available"`
	Error     string             `json:"error,omitempty"`
	Manifest  *manifest.Manifest `json:"manifest,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

type StatusResponse struct {
	ExtractorRunning bool      `json:"extractorRunning"`
	PID              int       `json:"pid,omitempty"`
	CurrentTask      *TaskInfo `json:"currentTask,omitempty"`
	Version          string    `json:"version"`
	ManifestVersion  int       `json:"manifestVersion"`
}

// clientWrapper wraps a websocket connection with a write mutex to ensure thread-safe writes
type clientWrapper struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (cw *clientWrapper) writeJSON(v any) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	_ = cw.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return cw.conn.WriteJSON(v)
}

// Viewer serves the progress file and the running extractor's task over
// HTTP and pushes updates to WebSocket clients.
type Viewer struct {
	manifestPath string
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	broadcast chan WSMessage
	logs      chan LogMessage

	mu         sync.Mutex
	clients    map[*clientWrapper]struct{}
	logClients map[*clientWrapper]struct{}
	backlog    []LogMessage
}

func NewViewer(manifestPath string, logger *slog.Logger) *Viewer {
	return &Viewer{
		manifestPath: manifestPath,
		logger:       logger,
		upgrader: websocket.Upgrader{
			// The viewer only listens for a local browser.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		broadcast:  make(chan WSMessage, 100),
		logs:       make(chan LogMessage, 1000),
		clients:    make(map[*clientWrapper]struct{}),
		logClients: make(map[*clientWrapper]struct{}),
	}
}

func (v *Viewer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", v.serveIndex)
	mux.HandleFunc("/api/manifest", v.serveManifest)
	mux.HandleFunc("/api/status", v.serveStatus)
	mux.HandleFunc("/ws", v.handleWebSocket)
	mux.HandleFunc("/ws/logs", v.handleLogsWebSocket)
	return mux
}

// ListenAndServe serves on addr until ctx is done. A cancelled context is
// a clean shutdown and returns nil.
func (v *Viewer) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("viewer failed to listen on %s: %w", addr, err)
	}
	return v.Serve(ctx, ln)
}

func (v *Viewer) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           v.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		v.run(ctx)
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	err := server.Serve(ln)
	<-done
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Log queues a log line for streaming. It never blocks; lines are dropped
// when the queue is full.
func (v *Viewer) Log(m LogMessage) {
	select {
	case v.logs <- m:
	default:
	}
}

func (v *Viewer) serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(viewerHTML)
}

func (v *Viewer) serveManifest(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, v.manifestData())
}

func (v *Viewer) serveStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, v.statusData())
}

func writeJSONResponse(w http.ResponseWriter, body any) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (v *Viewer) manifestData() ManifestResponse {
	resp := ManifestResponse{Timestamp: time.Now()}
	m, err := manifest.NewFileStore(v.manifestPath).Read()
	switch {
	case errors.Is(err, manifest.ErrNotFound):
	case err != nil:
		resp.Error = err.Error()
	default:
		resp.Available = true
		resp.Manifest = m
	}
	return resp
}

func (v *Viewer) statusData() StatusResponse {
	resp := StatusResponse{
		Version:         Version,
		ManifestVersion: manifest.Version,
	}
	// The embedded viewer runs inside the extractor, so its own PID counts.
	if pid, err := ReadPIDFile(); err == nil && IsProcessRunning(pid) {
		resp.ExtractorRunning = true
		resp.PID = pid
		if info, err := ReadTaskInfo(); err == nil {
			resp.CurrentTask = info
		}
	}
	return resp
}

func (v *Viewer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		v.logger.Debug(fmt.Sprintf("WebSocket upgrade error: %v", err))
		return
	}
	client := &clientWrapper{conn: conn}

	_ = client.writeJSON(WSMessage{Type: "manifest", Data: v.manifestData()})
	_ = client.writeJSON(WSMessage{Type: "status", Data: v.statusData()})

	v.mu.Lock()
	v.clients[client] = struct{}{}
	v.mu.Unlock()

	v.readUntilClosed(client, v.clients)
}

func (v *Viewer) handleLogsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		v.logger.Debug(fmt.Sprintf("Logs WebSocket upgrade error: %v", err))
		return
	}
	client := &clientWrapper{conn: conn}

	// Backlog and registration happen under one lock so a line is sent
	// exactly once.
	v.mu.Lock()
	for _, m := range v.backlog {
		_ = client.writeJSON(m)
	}
	v.logClients[client] = struct{}{}
	v.mu.Unlock()

	v.readUntilClosed(client, v.logClients)
}

// readUntilClosed keeps the connection open until the client goes away,
// then unregisters it.
func (v *Viewer) readUntilClosed(client *clientWrapper, registry map[*clientWrapper]struct{}) {
	defer func() {
		v.mu.Lock()
		delete(registry, client)
		v.mu.Unlock()
		client.conn.Close()
	}()
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				v.logger.Debug(fmt.Sprintf("WebSocket error: %v", err))
			}
			return
		}
	}
}

// run fans queued messages out to clients and watches the progress and
// task files until ctx is done.
func (v *Viewer) run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		v.logger.Debug(fmt.Sprintf("File watcher unavailable, polling only: %v", err))
	} else {
		defer watcher.Close()
		v.watchDirs(watcher)
	}

	var events <-chan fsnotify.Event
	var watchErrors <-chan error
	if watcher != nil {
		events = watcher.Events
		watchErrors = watcher.Errors
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	refresh := time.NewTicker(refreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			v.closeClients()
			return

		case msg := <-v.broadcast:
			v.send(v.clients, msg)

		case m := <-v.logs:
			v.mu.Lock()
			v.backlog = appendCapped(v.backlog, m, logBacklog)
			v.mu.Unlock()
			v.send(v.logClients, m)

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			kinds := v.classify(event)
			if len(kinds) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDuration, func() {
				for _, kind := range kinds {
					v.queueUpdate(kind)
				}
			})

		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			v.logger.Debug(fmt.Sprintf("File watcher error: %v", err))

		case <-refresh.C:
			v.queueUpdate("manifest")
			v.queueUpdate("status")
		}
	}
}

func (v *Viewer) watchDirs(watcher *fsnotify.Watcher) {
	for _, dir := range []string{filepath.Dir(v.manifestPath), stateDir()} {
		if err := watcher.Add(dir); err != nil {
			v.logger.Debug(fmt.Sprintf("Failed to watch %s: %v", dir, err))
		}
	}
}

// classify names the updates a file event calls for. The stores write
// through a temp file and rename, so Create and Rename matter as much as
// Write.
func (v *Viewer) classify(event fsnotify.Event) []string {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return nil
	}
	var kinds []string
	name := filepath.Clean(event.Name)
	if name == filepath.Clean(v.manifestPath) {
		kinds = append(kinds, "manifest")
	}
	if name == GetTaskFilePath() || name == GetPIDFilePath() {
		kinds = append(kinds, "status")
	}
	return kinds
}

func (v *Viewer) queueUpdate(kind string) {
	msg := WSMessage{Type: kind}
	switch kind {
	case "manifest":
		msg.Data = v.manifestData()
	case "status":
		msg.Data = v.statusData()
	}
	select {
	case v.broadcast <- msg:
	default:
	}
}

func (v *Viewer) send(registry map[*clientWrapper]struct{}, msg any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for client := range registry {
		if err := client.writeJSON(msg); err != nil {
			client.conn.Close()
			delete(registry, client)
		}
	}
}

func (v *Viewer) closeClients() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, registry := range []map[*clientWrapper]struct{}{v.clients, v.logClients} {
		for client := range registry {
			client.conn.Close()
			delete(registry, client)
		}
	}
}
