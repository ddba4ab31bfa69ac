package dispatch

import (
	"time"

	"pulseward/core/store"
)

// webhookPayload is the wire format of one delivered report. Field names are
// part of the external contract; receivers depend on them.
type webhookPayload struct {
	CheckType    string         `json:"checkType"`
	Timestamp    string         `json:"timestamp"`
	IsBackground bool           `json:"isBackground"`
	Summary      summaryPayload `json:"summary"`
	URLs         []urlPayload   `json:"urls"`
	Device       devicePayload  `json:"device"`
	Network      networkPayload `json:"network"`
	CallbackName string         `json:"callbackName"`
}

type summaryPayload struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
}

type urlPayload struct {
	URL          string  `json:"url"`
	Status       string  `json:"status"`
	ResponseTime int64   `json:"responseTime"`
	StatusCode   *int    `json:"statusCode"`
	Error        *string `json:"error"`
}

type devicePayload struct {
	ID       string `json:"id"`
	Model    string `json:"model"`
	Brand    string `json:"brand"`
	Platform string `json:"platform"`
	Version  string `json:"version"`
}

type networkPayload struct {
	Type        string `json:"type"`
	Carrier     string `json:"carrier"`
	IsConnected bool   `json:"isConnected"`
	DisplayName string `json:"displayName"`
}

func buildPayload(report *store.CycleReport, callbackName string) webhookPayload {
	payload := webhookPayload{
		CheckType:    "background_batch",
		Timestamp:    report.Timestamp.UTC().Format(time.RFC3339),
		IsBackground: true,
		Summary: summaryPayload{
			Total:    report.Summary.Total,
			Active:   report.Summary.Active,
			Inactive: report.Summary.Inactive,
		},
		URLs: make([]urlPayload, 0, len(report.Results)),
		Device: devicePayload{
			ID:       report.Device.ID,
			Model:    report.Device.Model,
			Brand:    report.Device.Brand,
			Platform: report.Device.Platform,
			Version:  report.Device.Version,
		},
		Network: networkPayload{
			Type:        report.Network.Type,
			Carrier:     report.Network.Carrier,
			IsConnected: report.Network.IsConnected,
			DisplayName: report.Network.DisplayName,
		},
		CallbackName: callbackName,
	}
	for _, res := range report.Results {
		item := urlPayload{
			URL:          res.URL,
			Status:       res.Status(),
			ResponseTime: res.ResponseTimeMs,
			StatusCode:   res.StatusCode,
		}
		if res.Error != "" {
			msg := res.Error
			item.Error = &msg
		}
		payload.URLs = append(payload.URLs, item)
	}
	return payload
}
