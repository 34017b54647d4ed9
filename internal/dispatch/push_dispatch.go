package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// PushNotifier tries the driver's live websocket session first and falls
// back to posting the offer to the driver-app backend.
type PushNotifier struct {
	WS       *WSRegistry
	Endpoint string
	Client   *http.Client
}

func NewPushNotifier(ws *WSRegistry, endpoint string) *PushNotifier {
	return &PushNotifier{WS: ws, Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushNotifier) Offer(driverID string, offer Offer) error {
	if p.WS != nil {
		err := p.WS.Offer(driverID, offer)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSession) {
			return err
		}
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}
	body, err := json.Marshal(map[string]any{"driver_id": driverID, "offer": offer})
	if err != nil {
		return err
	}
	resp, err := p.Client.Post(p.Endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
