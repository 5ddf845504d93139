// Package types defines the core domain types shared across the control plane.
//
// # Design Principles
//
// 1. Simplicity: Types represent the domain model directly, no ORM abstractions
// 2. Serialization: All types are JSON-serializable for API transport
// 3. Validation: Types include Validate() methods for business rule enforcement
package types

import (
	"fmt"
	"net"
	"regexp"
	"time"
)

// =============================================================================
// AGENT
// =============================================================================

// Agent represents a distributed probe process in the fleet.
//
// An agent is identified by its network source address: result submissions are
// authenticated by matching the caller's IP against registered agents, so the
// IP doubles as the agent's credential.
type Agent struct {
	Name   string      `json:"name"`
	IP     string      `json:"ip"`
	Groups []string    `json:"groups"`
	Status AgentStatus `json:"status"`

	// LastActivity is updated every time the agent submits an accepted
	// result batch. It is the only health signal the control plane keeps.
	LastActivity *time.Time `json:"last_activity,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentStatus represents the administrative state of an agent.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "ACTIVE"
	AgentStatusInactive AgentStatus = "INACTIVE"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// Validate checks that the agent has required fields and valid values.
func (a *Agent) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if !slugPattern.MatchString(a.Name) {
		return fmt.Errorf("agent name must match %s", slugPattern.String())
	}
	if a.IP == "" {
		return fmt.Errorf("agent IP is required")
	}
	if ip := net.ParseIP(a.IP); ip == nil {
		return fmt.Errorf("invalid IP address: %s", a.IP)
	}
	if a.Status != AgentStatusActive && a.Status != AgentStatusInactive {
		return fmt.Errorf("agent status must be ACTIVE or INACTIVE")
	}
	for _, g := range a.Groups {
		if !slugPattern.MatchString(g) {
			return fmt.Errorf("invalid group name: %s", g)
		}
	}
	return nil
}

// =============================================================================
// ENDPOINT
// =============================================================================

// Endpoint represents a monitored network target.
// Each endpoint owns exactly one HTTPDetail and one MonitoringPolicy.
type Endpoint struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`

	HTTPDetail *HTTPDetail       `json:"http_detail,omitempty"`
	Policy     *MonitoringPolicy `json:"monitoring_policy,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that the endpoint has required fields.
func (e *Endpoint) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("endpoint name is required")
	}
	if !slugPattern.MatchString(e.Name) {
		return fmt.Errorf("endpoint name must match %s", slugPattern.String())
	}
	if e.HTTPDetail != nil {
		if err := e.HTTPDetail.Validate(); err != nil {
			return err
		}
	}
	if e.Policy != nil {
		if err := e.Policy.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// HTTPDetail describes how an endpoint is probed over HTTP.
type HTTPDetail struct {
	Hostname string `json:"hostname"`
	Path     string `json:"path"`
	Port     int    `json:"port"`
	Method   string `json:"method"`
	TLS      bool   `json:"tls"`
}

// Validate checks that the HTTP detail is probeable.
func (d *HTTPDetail) Validate() error {
	if d.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if d.Method != "GET" && d.Method != "POST" {
		return fmt.Errorf("method must be GET or POST")
	}
	return nil
}

// MonitoringPolicy defines how often an endpoint is inspected and which
// agents are eligible to inspect it.
//
// Policies are read each generation cycle; a change takes effect on the next
// pass, never retroactively.
type MonitoringPolicy struct {
	// Interval between inspections, in seconds. Must be positive.
	IntervalSeconds int `json:"interval"`

	// Groups selects eligible agents: any agent belonging to at least one
	// of these groups receives a task for each generated inspection.
	Groups []string `json:"groups"`
}

// Validate checks that the policy is usable for generation.
func (p *MonitoringPolicy) Validate() error {
	if p.IntervalSeconds <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	for _, g := range p.Groups {
		if !slugPattern.MatchString(g) {
			return fmt.Errorf("invalid group name: %s", g)
		}
	}
	return nil
}

// Interval returns the policy interval as a duration.
func (p *MonitoringPolicy) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}
