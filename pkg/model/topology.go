package model

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// TLSMaterial points at a PEM key/certificate pair on disk.
type TLSMaterial struct {
	KeyFile  string `json:"key_file" yaml:"key_file"`
	CertFile string `json:"cert_file" yaml:"cert_file"`
}

// Topology is fixed when the supervisor starts; workers only read it.
type Topology struct {
	WorkerCount int          `json:"worker_count"`
	Address     string       `json:"address"`
	Port        int          `json:"port"`
	TLS         *TLSMaterial `json:"tls,omitempty"`
}

// ListenAddr joins address and port in the form net.Listen expects.
func (t Topology) ListenAddr() string {
	return net.JoinHostPort(t.Address, strconv.Itoa(t.Port))
}

// Validate checks the fields workers depend on.
func (t Topology) Validate() error {
	if t.WorkerCount < 0 {
		return fmt.Errorf("worker count must not be negative, got %d", t.WorkerCount)
	}
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("port %d out of range", t.Port)
	}
	if t.TLS != nil && (t.TLS.KeyFile == "" || t.TLS.CertFile == "") {
		return errors.New("tls requires both key and certificate")
	}
	return nil
}
