package server

import (
	"encoding/json"

	"fleetline/internal/domain"
)

// Request payloads

type JourneyLegRequest struct {
	Address     string `json:"address"`
	ContactName string `json:"contact_name,omitempty"`
}

type SplitLegsRequest struct {
	SecondaryCollection JourneyLegRequest `json:"secondary_collection"`
	FirstDelivery       JourneyLegRequest `json:"first_delivery"`
}

type CreateJobRequest struct {
	ID              *string           `json:"id,omitempty"`
	Reference       string            `json:"reference,omitempty"`
	CustomerName    string            `json:"customer_name,omitempty"`
	VehicleReg      string            `json:"vehicle_reg,omitempty"`
	CollectionAddr  string            `json:"collection_address"`
	DeliveryAddr    string            `json:"delivery_address"`
	IsSplitJourney  bool              `json:"is_split_journey,omitempty"`
	SplitLegs       *SplitLegsRequest `json:"split_legs,omitempty"`
	MultiJobBatchID string            `json:"multi_job_batch_id,omitempty"`
}

type AllocateRequest struct {
	DriverID string `json:"driver_id"`
}

type CollectionRequest struct {
	Stage              string `json:"stage,omitempty"`
	ActualStartTime    string `json:"actual_start_time,omitempty" format:"date-time"`
	ActualCompleteTime string `json:"actual_complete_time,omitempty" format:"date-time"`
	DamageReported     bool   `json:"damage_reported,omitempty"`
}

type DeliveryRequest struct {
	Stage          string `json:"stage,omitempty"`
	DamageReported bool   `json:"damage_reported,omitempty"`
}

type BulkUpdateRequest struct {
	IDs   []string `json:"ids"`
	Patch struct {
		Status         *string `json:"status,omitempty"`
		Stage          *string `json:"stage,omitempty"`
		DriverID       *string `json:"driver_id,omitempty"`
		CustomerName   *string `json:"customer_name,omitempty"`
		VehicleReg     *string `json:"vehicle_reg,omitempty"`
		CollectionAddr *string `json:"collection_address,omitempty"`
		DeliveryAddr   *string `json:"delivery_address,omitempty"`
	} `json:"patch"`
}

type AddNoteRequest struct {
	Content string `json:"content"`
}

// Response payloads

type JobListResponse struct {
	Items []domain.Job `json:"items"`
	Tier  string       `json:"tier" enum:"full,driver-plus-unallocated,driver-only"`
}

type EventResponse struct {
	ID       int64           `json:"id"`
	TS       string          `json:"ts" format:"date-time"`
	Type     string          `json:"type"`
	EntityID string          `json:"entity_id,omitempty"`
	ActorID  string          `json:"actor_id"`
	Payload  json.RawMessage `json:"payload"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:       evt.ID,
		TS:       evt.TS,
		Type:     evt.Type,
		EntityID: evt.EntityID,
		ActorID:  evt.ActorID,
		Payload:  payload,
	}
}

func mapEvents(events []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(events))
	for _, evt := range events {
		out = append(out, eventResponse(evt))
	}
	return out
}

func splitLegsFromRequest(req *SplitLegsRequest) *domain.SplitJourneyLegs {
	if req == nil {
		return nil
	}
	return &domain.SplitJourneyLegs{
		SecondaryCollection: domain.JourneyLeg{
			Address:     req.SecondaryCollection.Address,
			ContactName: req.SecondaryCollection.ContactName,
		},
		FirstDelivery: domain.JourneyLeg{
			Address:     req.FirstDelivery.Address,
			ContactName: req.FirstDelivery.ContactName,
		},
	}
}
