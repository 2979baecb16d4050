package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Component tags understood by the chat client.
const (
	ComponentPainScaleSelector = "PainScaleSelector"
	ComponentDateTimePicker    = "DateTimePicker"
	ComponentSlotList          = "SlotList"
	ComponentConfirmationCard  = "ConfirmationCard"
	ComponentIncentiveOffer    = "IncentiveOffer"
)

// Component is one of the UI widgets below.
type Component interface {
	ComponentType() string
	component()
}

type PainScaleSelector struct {
	Min    int    `json:"min"`
	Max    int    `json:"max"`
	Prompt string `json:"prompt"`
}

type DateTimePicker struct {
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	ProcedureCode string    `json:"procedure_code,omitempty"`
	DurationMins  int       `json:"duration_mins"`
	Timezone      string    `json:"timezone"`
}

// SlotOption is one selectable slot. Index is 1-based and is what the patient replies with.
type SlotOption struct {
	Index       int       `json:"index"`
	DentistID   string    `json:"dentist_id"`
	DentistName string    `json:"dentist_name"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Label       string    `json:"label"`
}

type SlotList struct {
	ProcedureCode string       `json:"procedure_code,omitempty"`
	PriorityScore *int         `json:"priority_score,omitempty"`
	Slots         []SlotOption `json:"slots"`
}

type ConfirmationCard struct {
	AppointmentID string    `json:"appointment_id"`
	DentistName   string    `json:"dentist_name"`
	ProcedureCode string    `json:"procedure_code"`
	ProcedureName string    `json:"procedure_name"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Status        string    `json:"status"`
}

type IncentiveOffer struct {
	OfferID        string    `json:"offer_id"`
	AppointmentID  string    `json:"appointment_id"`
	TargetStart    time.Time `json:"target_start"`
	TargetEnd      time.Time `json:"target_end"`
	IncentiveType  string    `json:"incentive_type"`
	IncentiveValue string    `json:"incentive_value"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (PainScaleSelector) ComponentType() string { return ComponentPainScaleSelector }
func (DateTimePicker) ComponentType() string    { return ComponentDateTimePicker }
func (SlotList) ComponentType() string          { return ComponentSlotList }
func (ConfirmationCard) ComponentType() string  { return ComponentConfirmationCard }
func (IncentiveOffer) ComponentType() string    { return ComponentIncentiveOffer }

func (PainScaleSelector) component() {}
func (DateTimePicker) component()    {}
func (SlotList) component()          {}
func (ConfirmationCard) component()  {}
func (IncentiveOffer) component()    {}

type componentWire struct {
	Type  string          `json:"type"`
	Props json.RawMessage `json:"props"`
}

// MarshalComponent encodes {"type": tag, "props": {...}}.
func MarshalComponent(c Component) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("events: nil ui component")
	}
	props, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("events: marshal %s props: %w", c.ComponentType(), err)
	}
	return json.Marshal(componentWire{Type: c.ComponentType(), Props: props})
}

// UnmarshalComponent decodes a component by its tag.
func UnmarshalComponent(data []byte) (Component, error) {
	var wire componentWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	var (
		c   Component
		err error
	)
	switch wire.Type {
	case ComponentPainScaleSelector:
		var v PainScaleSelector
		err = json.Unmarshal(wire.Props, &v)
		c = v
	case ComponentDateTimePicker:
		var v DateTimePicker
		err = json.Unmarshal(wire.Props, &v)
		c = v
	case ComponentSlotList:
		var v SlotList
		err = json.Unmarshal(wire.Props, &v)
		c = v
	case ComponentConfirmationCard:
		var v ConfirmationCard
		err = json.Unmarshal(wire.Props, &v)
		c = v
	case ComponentIncentiveOffer:
		var v IncentiveOffer
		err = json.Unmarshal(wire.Props, &v)
		c = v
	default:
		return nil, fmt.Errorf("events: unknown ui component %q", wire.Type)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
