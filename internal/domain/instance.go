package domain

import (
	"encoding/json"
	"time"
)

// Lifecycle statuses for a managed instance.
const (
	StatusProvisioning     = "PROVISIONING"
	StatusProvisioningNoIP = "PROVISIONING_NO_IP"
	StatusRunning          = "RUNNING"
	StatusStarting         = "STARTING"
	StatusStopping         = "STOPPING"
	StatusStoppingAuto     = "STOPPING_AUTO"
	StatusTerminated       = "TERMINATED"
	StatusDeleting         = "DELETING"
	StatusError            = "ERROR"
	StatusErrorAutoStop    = "ERROR_AUTO_STOP"
)

// ActiveStatuses are the states that count against a user's active-instance
// quota.
var ActiveStatuses = []string{StatusProvisioning, StatusRunning, StatusStopping, StatusStarting}

// AutoShutdownStatuses are the states eligible for the auto-shutdown sweep.
var AutoShutdownStatuses = []string{StatusRunning, StatusProvisioning, StatusStarting}

// Port pairs a port number with a protocol ("tcp" or "udp").
type Port struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// ManagedInstance is the durable inventory record for one VM.
type ManagedInstance struct {
	ID                string
	OwnerUserID       string
	CloudInstanceName string
	CloudInstanceID   *string
	Zone              string
	TemplateName      string
	Status            string
	IPAddress         *string
	Ports             []Port
	CreatedAt         time.Time
	LastStatusUpdate  time.Time
	AutoShutdownHours *int
	ExtraConfig       json.RawMessage
}

// StatusUpdate captures a partial mutation of a managed instance. Nil fields
// are left untouched; a non-nil empty IPAddress clears the stored address.
type StatusUpdate struct {
	CloudInstanceName string
	Status            string
	IPAddress         *string
	CloudInstanceID   *string
	Ports             []Port
}
