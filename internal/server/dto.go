package server

import (
	"encoding/json"

	"shiftplan/internal/domain"
)

// Request payloads

type GenerateWeekRequest struct {
	ForecastRunID string `json:"forecast_run_id"`
	WeekStart     string `json:"week_start" format:"date"`
	Mode          string `json:"mode" enum:"auto,manual"`
}

type AddItemRequest struct {
	ActivityID      string         `json:"activity_id"`
	Date            string         `json:"date" format:"date"`
	WindowStart     *string        `json:"window_start,omitempty"`
	WindowEnd       *string        `json:"window_end,omitempty"`
	Quantity        int            `json:"quantity"`
	WorkloadMinutes *int           `json:"workload_minutes,omitempty" minimum:"0"`
	Priority        int            `json:"priority,omitempty" minimum:"1" maximum:"5"`
	Drivers         map[string]any `json:"drivers,omitempty"`
	Notes           string         `json:"notes,omitempty"`
}

type CreateAdjustmentRequest struct {
	BaselineForecastRunID string `json:"baseline_forecast_run_id"`
	Reason                string `json:"reason"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type WeekResponse struct {
	ID            string         `json:"id"`
	SectorID      string         `json:"sector_id"`
	ForecastRunID string         `json:"forecast_run_id"`
	WeekStart     string         `json:"week_start" format:"date"`
	Status        string         `json:"status" enum:"draft,approved,locked"`
	CreatedBy     string         `json:"created_by"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedBy     string         `json:"updated_by"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
	Items         []ItemResponse `json:"items"`
}

type ItemResponse struct {
	ID              string         `json:"id"`
	WeekID          string         `json:"week_id"`
	ActivityID      string         `json:"activity_id"`
	Date            string         `json:"date" format:"date"`
	WindowStart     *string        `json:"window_start,omitempty"`
	WindowEnd       *string        `json:"window_end,omitempty"`
	Quantity        int            `json:"quantity"`
	WorkloadMinutes int            `json:"workload_minutes"`
	Priority        int            `json:"priority"`
	Source          string         `json:"source" enum:"auto,manual"`
	Drivers         map[string]any `json:"drivers,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
}

type RunResponse struct {
	ID            string  `json:"id"`
	SectorID      string  `json:"sector_id"`
	RunType       string  `json:"run_type" enum:"forecast,adjustment"`
	RunDate       string  `json:"run_date" format:"date"`
	HorizonStart  string  `json:"horizon_start" format:"date"`
	HorizonEnd    string  `json:"horizon_end" format:"date"`
	Status        string  `json:"status"`
	IsLocked      bool    `json:"is_locked"`
	BaselineRunID *string `json:"baseline_run_id,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type ActivityResponse struct {
	ID              string `json:"id"`
	SectorID        string `json:"sector_id"`
	Code            string `json:"code"`
	Name            string `json:"name"`
	StandardMinutes int    `json:"standard_minutes"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	SectorID   string         `json:"sector_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Mappers

func weekResponse(w domain.ProgramWeek) WeekResponse {
	items := make([]ItemResponse, 0, len(w.Items))
	for _, it := range w.Items {
		items = append(items, itemResponse(it))
	}
	return WeekResponse{
		ID:            w.ID,
		SectorID:      w.SectorID,
		ForecastRunID: w.ForecastRunID,
		WeekStart:     w.WeekStart,
		Status:        w.Status,
		CreatedBy:     w.CreatedBy,
		CreatedAt:     w.CreatedAt,
		UpdatedBy:     w.UpdatedBy,
		UpdatedAt:     w.UpdatedAt,
		Items:         items,
	}
}

func itemResponse(it domain.ProgramItem) ItemResponse {
	return ItemResponse{
		ID:              it.ID,
		WeekID:          it.WeekID,
		ActivityID:      it.ActivityID,
		Date:            it.Date,
		WindowStart:     it.WindowStart,
		WindowEnd:       it.WindowEnd,
		Quantity:        it.Quantity,
		WorkloadMinutes: it.WorkloadMinutes,
		Priority:        it.Priority,
		Source:          it.Source,
		Drivers:         decodeJSONMap(it.DriversJSON),
		Notes:           it.Notes,
		CreatedAt:       it.CreatedAt,
	}
}

func runResponse(run domain.ForecastRun) RunResponse {
	return RunResponse{
		ID:            run.ID,
		SectorID:      run.SectorID,
		RunType:       run.RunType,
		RunDate:       run.RunDate,
		HorizonStart:  run.HorizonStart,
		HorizonEnd:    run.HorizonEnd,
		Status:        run.Status,
		IsLocked:      run.IsLocked,
		BaselineRunID: run.BaselineRunID,
		Reason:        run.Reason,
		CreatedAt:     run.CreatedAt,
	}
}

func mapRuns(runs []domain.ForecastRun) []RunResponse {
	res := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		res = append(res, runResponse(run))
	}
	return res
}

func mapActivities(acts []domain.Activity) []ActivityResponse {
	res := make([]ActivityResponse, 0, len(acts))
	for _, a := range acts {
		res = append(res, ActivityResponse{
			ID:              a.ID,
			SectorID:        a.SectorID,
			Code:            a.Code,
			Name:            a.Name,
			StandardMinutes: a.StandardMinutes,
		})
	}
	return res
}

func mapEvents(evts []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(evts))
	for _, e := range evts {
		res = append(res, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			SectorID:   e.SectorID,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    decodeJSONMap(&e.Payload),
		})
	}
	return res
}

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(*raw), &m); err != nil {
		return nil
	}
	return m
}
