package types

import "time"

// ServerConfig configures the HTTP/WebSocket API surface (C12).
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	WebSocketPath  string        `json:"websocket_path"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	MaxConnections int           `json:"max_connections"`
	EnableMetrics  bool          `json:"enable_metrics"`
	MetricsPort    int           `json:"metrics_port"`
}
