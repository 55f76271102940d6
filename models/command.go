package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type CommandStatus string

const (
	CommandPending    CommandStatus = "pending"
	CommandDispatched CommandStatus = "dispatched"
	CommandFailed     CommandStatus = "failed"
	CommandAbandoned  CommandStatus = "abandoned"
	CommandSuperseded CommandStatus = "superseded"
)

// AgentCommand is the durable outbox record of one command sent to a VPS agent.
type AgentCommand struct {
	ID                    string        `gorm:"type:varchar(36);primaryKey" json:"id"`
	VpsServerID           uint          `gorm:"index" json:"vps_server_id"`
	StreamConfigurationID *uint         `gorm:"index" json:"stream_configuration_id"`
	Command               string        `gorm:"type:varchar(32)" json:"command"`
	Payload               string        `gorm:"type:text" json:"payload"`
	Status                CommandStatus `gorm:"type:varchar(16);index" json:"status"`
	Attempts              int           `json:"attempts"`
	LastError             string        `gorm:"type:text" json:"last_error"`
	DispatchedAt          *time.Time    `json:"dispatched_at"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

func (c *AgentCommand) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = CommandPending
	}
	return nil
}
