package modbus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/goburrow/modbus"
)

// SendResponse is the body modbus_bridge answers /api/send with.
type SendResponse struct {
	ADUResponse []byte
	Error       string
}

// HTTPClient tunnels RTU frames through a modbus_bridge. The embedded RTU
// handler only packages and verifies frames; it never opens its port.
type HTTPClient struct {
	*modbus.RTUClientHandler

	baseURL  string
	password string
	http     *http.Client
}

func NewHTTPClient(baseURL, password string) *HTTPClient {
	handler := modbus.NewRTUClientHandler("/dev/null")
	handler.SlaveId = 1
	return &HTTPClient{
		RTUClientHandler: handler,
		baseURL:          baseURL,
		password:         password,
		http:             &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *HTTPClient) Send(aduRequest []byte) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL, bytes.NewReader(aduRequest))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.password != "" {
		req.SetBasicAuth("", c.password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status code: %s\n%s", resp.Status, string(body))
	}
	var sendResponse SendResponse
	if err := json.Unmarshal(body, &sendResponse); err != nil {
		return nil, err
	}
	if sendResponse.Error != "" {
		err = errors.New(sendResponse.Error)
	}
	return sendResponse.ADUResponse, err
}

func (c *HTTPClient) Connect() error {
	return nil
}

func (c *HTTPClient) Close() error {
	return nil
}

// Sender is the transport side of a Modbus handler.
type Sender interface {
	Send(aduRequest []byte) (aduResponse []byte, err error)
}

// SendHandler serves /api/send for modbus_bridge: the request body is an
// RTU frame that is forwarded to s, and the reply is a JSON SendResponse.
func SendHandler(s Sender, password string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pass, ok := r.BasicAuth()
		if password != "" && (!ok || pass != password) {
			http.Error(w, "wrong password", http.StatusUnauthorized)
			return
		}
		err := func() error {
			aduRequest, err := io.ReadAll(r.Body)
			if err != nil {
				return err
			}
			aduResponse, err := s.Send(aduRequest)
			var errString string
			if err != nil {
				errString = err.Error()
			}
			body, err := json.Marshal(&SendResponse{
				ADUResponse: aduResponse,
				Error:       errString,
			})
			if err != nil {
				return err
			}
			_, err = w.Write(body)
			return err
		}()
		if err != nil {
			log.Printf("SendHandler: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
