package api

import (
	"github.com/samcharles93/slim/internal/calib"
	"github.com/samcharles93/slim/internal/observer"
)

type CreateSessionRequest struct {
	Format string `json:"format,omitempty"`
}

type ObserveRequest struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape,omitempty"`
	Data  []float32 `json:"data"`
}

type QuantizeRequest struct {
	Name string    `json:"name"`
	Data []float32 `json:"data"`
}

type SessionResponse struct {
	Object string `json:"object"`
	calib.Report
}

type SessionList struct {
	Object string   `json:"object"`
	Data   []string `json:"data"`
}

type ObserverResponse struct {
	Object string `json:"object"`
	observer.Stats
}

type QuantizeResponse struct {
	Object string `json:"object"`
	Name   string `json:"name"`
	calib.Quantization
}

type DeleteSessionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
