package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lowaak/band-relay/internal/band"
)

type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "Success"
	StatusFailure ResponseStatus = "Failure"
)

// ServerResponse is the envelope sent for every command result and push
// event. Data holds the JSON encoded payload as a string.
type ServerResponse struct {
	DataType       string         `json:"DataType"`
	Data           string         `json:"Data"`
	ResponseStatus ResponseStatus `json:"ResponseStatus"`
}

// Payload is a success payload with its wire type tag.
type Payload interface {
	DataType() string
}

type SuccessResponse struct {
	DeviceIndex int `json:"DeviceIndex"`
}

func (SuccessResponse) DataType() string { return "SuccessResponse" }

type HeartRateResponse struct {
	DeviceIndex int   `json:"DeviceIndex"`
	HeartRate   int   `json:"HeartRate"`
	IsRepeating bool  `json:"IsRepeating"`
	MeasureTime int64 `json:"MeasureTime"`
}

func (HeartRateResponse) DataType() string { return "HeartRateResponse" }

type DeviceConnectionResponse struct {
	DeviceIndex int  `json:"DeviceIndex"`
	IsConnected bool `json:"IsConnected"`
}

func (DeviceConnectionResponse) DataType() string { return "DeviceConnectionResponse" }

// ExceptionResponse is the payload of a failure.
type ExceptionResponse struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

func NewSuccess(p Payload) (*ServerResponse, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.DataType(), err)
	}
	return &ServerResponse{DataType: p.DataType(), Data: string(data), ResponseStatus: StatusSuccess}, nil
}

func NewFailure(tag, message string) *ServerResponse {
	// Marshalling two strings cannot fail.
	data, _ := json.Marshal(ExceptionResponse{Type: tag, Message: message})
	return &ServerResponse{DataType: tag, Data: string(data), ResponseStatus: StatusFailure}
}

// FailureFromError tags err with its device error kind or command error tag.
// Anything unclassified is reported as a platform fault.
func FailureFromError(err error) *ServerResponse {
	tag := FailureTag(err)
	return NewFailure(tag, err.Error())
}

func FailureTag(err error) string {
	if kind := band.KindOf(err); kind != "" {
		return string(kind)
	}
	if tag, ok := commandErrorTag(err); ok {
		return tag
	}
	return string(band.KindPlatformFault)
}

func HeartRateFromSample(s band.HeartRateSample) HeartRateResponse {
	return HeartRateResponse{
		DeviceIndex: s.DeviceIndex,
		HeartRate:   s.HeartRate,
		IsRepeating: s.IsRepeating,
		MeasureTime: s.MeasureTime,
	}
}

func (r *ServerResponse) Succeeded() bool {
	return r.ResponseStatus == StatusSuccess
}

// Decode unpacks Data into v.
func (r *ServerResponse) Decode(v any) error {
	return json.Unmarshal([]byte(r.Data), v)
}

// Exception unpacks the payload of a failure response.
func (r *ServerResponse) Exception() (*ExceptionResponse, error) {
	if r.ResponseStatus != StatusFailure {
		return nil, errors.New("relay: response is not a failure")
	}
	var ex ExceptionResponse
	if err := r.Decode(&ex); err != nil {
		return nil, err
	}
	return &ex, nil
}

// frame encodes r as one framed JSON string, ready to be written in one call.
func (r *ServerResponse) frame() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxStringLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrStringTooLong, len(data))
	}
	return AppendString(nil, string(data)), nil
}
