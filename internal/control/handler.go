// Package control implements the MQTT control plane: remote commands for
// status, recording control, and stream restarts, acknowledged on the
// health topic.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/visiona/argus/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// Handler handles control plane commands
type Handler struct {
	cfg       *config.Config
	client    mqtt.Client
	commands  chan Command
	callbacks CommandCallbacks
	done      chan struct{}
	stopOnce  sync.Once
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus      func() map[string]interface{}
	OnStartRecording func(cameraID string) (string, error)
	OnStopRecording  func(cameraID string) error
	OnRestartStream  func(cameraID string) error
	OnSnapshot       func(cameraID string) (string, error)
	OnShutdown       func() error
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
		done:      make(chan struct{}),
	}
}

// Start starts listening for control commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	go h.processCommands(ctx)

	return nil
}

// Stop stops the control plane handler
func (h *Handler) Stop() error {
	topic := h.cfg.MQTT.Topics.Control

	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(topic)
		token.Wait()
	}

	// The queue stays open: a delivery already in flight when the
	// unsubscribe lands must not hit a closed channel.
	h.stopOnce.Do(func() { close(h.done) })

	slog.Info("control plane handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	select {
	case <-h.done:
		slog.Debug("handler stopped, dropping command", "command", cmd.Command)
		return
	default:
	}

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case cmd := <-h.commands:
			h.handleCommand(cmd)
		}
	}
}

// cameraID extracts the camera_id parameter common to per-camera commands.
func (cmd Command) cameraID() (string, bool) {
	id, ok := cmd.Params["camera_id"].(string)
	return id, ok && id != ""
}

// handleCommand executes a command
func (h *Handler) handleCommand(cmd Command) {
	var resp Response
	resp.CommandAck = cmd.Command

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus != nil {
			resp.Status = "success"
			resp.Data = h.callbacks.OnGetStatus()
		} else {
			resp.Status = "error"
			resp.Error = "get_status not implemented"
		}

	case "start_recording":
		if h.callbacks.OnStartRecording == nil {
			resp.Status = "error"
			resp.Error = "start_recording not implemented"
			break
		}
		id, ok := cmd.cameraID()
		if !ok {
			resp.Status = "error"
			resp.Error = "missing or invalid 'camera_id' parameter (expected string)"
			break
		}
		if clip, err := h.callbacks.OnStartRecording(id); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		} else {
			resp.Status = "success"
			resp.Data = map[string]interface{}{
				"camera_id": id,
				"recording": true,
				"clip":      clip,
			}
		}

	case "stop_recording":
		if h.callbacks.OnStopRecording == nil {
			resp.Status = "error"
			resp.Error = "stop_recording not implemented"
			break
		}
		id, ok := cmd.cameraID()
		if !ok {
			resp.Status = "error"
			resp.Error = "missing or invalid 'camera_id' parameter (expected string)"
			break
		}
		if err := h.callbacks.OnStopRecording(id); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		} else {
			resp.Status = "success"
			resp.Data = map[string]interface{}{
				"camera_id": id,
				"recording": false,
			}
		}

	case "restart_stream":
		if h.callbacks.OnRestartStream == nil {
			resp.Status = "error"
			resp.Error = "restart_stream not implemented"
			break
		}
		id, ok := cmd.cameraID()
		if !ok {
			resp.Status = "error"
			resp.Error = "missing or invalid 'camera_id' parameter (expected string)"
			break
		}
		if err := h.callbacks.OnRestartStream(id); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		} else {
			resp.Status = "success"
			resp.Data = map[string]interface{}{
				"camera_id": id,
				"message":   "stream restart requested",
			}
		}

	case "snapshot":
		if h.callbacks.OnSnapshot == nil {
			resp.Status = "error"
			resp.Error = "snapshot not implemented"
			break
		}
		id, ok := cmd.cameraID()
		if !ok {
			resp.Status = "error"
			resp.Error = "missing or invalid 'camera_id' parameter (expected string)"
			break
		}
		if path, err := h.callbacks.OnSnapshot(id); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		} else {
			resp.Status = "success"
			resp.Data = map[string]interface{}{
				"camera_id": id,
				"path":      path,
			}
		}

	case "shutdown":
		if h.callbacks.OnShutdown != nil {
			slog.Warn("shutdown command received via MQTT control plane")
			resp.Status = "success"
			resp.Data = map[string]interface{}{
				"shutdown_initiated": true,
				"message":            "graceful shutdown in progress",
			}
			// Send response BEFORE triggering shutdown
			h.sendResponse(resp)

			go func() {
				time.Sleep(500 * time.Millisecond) // let the response flush
				if err := h.callbacks.OnShutdown(); err != nil {
					slog.Error("shutdown callback failed", "error", err)
				}
			}()
			return // Don't send response again
		}
		resp.Status = "error"
		resp.Error = "shutdown not implemented"

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.sendResponse(resp)
}

// sendResponse sends a response to the health topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Health
	qos := h.cfg.MQTT.QoS["health"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
