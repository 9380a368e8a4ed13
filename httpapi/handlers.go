package httpapi

import (
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/brocaar/lorawan"
	"github.com/gin-gonic/gin"

	"github.com/loramac/macd/appcodec"
	"github.com/loramac/macd/events"
	"github.com/loramac/macd/mac"
)

// statusResponse mirrors mac.Status with JSON-friendly field types.
type statusResponse struct {
	Joined     bool   `json:"joined"`
	Class      string `json:"class"`
	State      uint16 `json:"state"`
	DevAddr    string `json:"devAddr"`
	FCntUp     uint32 `json:"fCntUp"`
	FCntDown   uint32 `json:"fCntDown"`
	DataRate   int    `json:"dataRate"`
	ADREnabled bool   `json:"adrEnabled"`
}

func classLabel(c mac.Class) string {
	if c == mac.ClassC {
		return "C"
	}
	return "A"
}

func (s *Server) getStatus(c *gin.Context) {
	st := s.device.Status()
	c.JSON(http.StatusOK, statusResponse{
		Joined:     st.Joined,
		Class:      classLabel(st.Class),
		State:      uint16(st.State),
		DevAddr:    st.DevAddr.String(),
		FCntUp:     st.FCntUp,
		FCntDown:   st.FCntDown,
		DataRate:   st.DataRate,
		ADREnabled: st.ADREnabled,
	})
}

func (s *Server) getJoinState(c *gin.Context) {
	js := s.device.JoinState()
	c.JSON(http.StatusOK, gin.H{
		"devNonce": js.DevNonce,
		"joined":   js.Joined,
		"devAddr":  js.Session.DevAddr.String(),
	})
}

func (s *Server) postConnect(c *gin.Context) {
	if err := s.device.Connect(); err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "join requested"})
}

type connectABPRequest struct {
	DevAddr string `json:"devAddr" binding:"required"`
	NwkSKey string `json:"nwkSKey" binding:"required"`
	AppSKey string `json:"appSKey" binding:"required"`
}

func (s *Server) postConnectABP(c *gin.Context) {
	var req connectABPRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	devAddr, err := parseDevAddr(req.DevAddr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid devAddr: " + err.Error()})
		return
	}
	nwkSKey, err := parseKey(req.NwkSKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid nwkSKey: " + err.Error()})
		return
	}
	appSKey, err := parseKey(req.AppSKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid appSKey: " + err.Error()})
		return
	}

	if err := s.device.ConnectABP(devAddr, nwkSKey, appSKey); err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "connected"})
}

func (s *Server) postDisconnect(c *gin.Context) {
	if err := s.device.Disconnect(); err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

type sendRequest struct {
	FPort      uint8                  `json:"fPort"`
	Mode       string                 `json:"mode"` // "unconfirmed", "confirmed", "proprietary"
	PayloadHex string                 `json:"payloadHex"`
	Object     map[string]interface{} `json:"object"` // run through the codec's Encode if set
}

func parseMode(s string) mac.Mode {
	switch s {
	case "confirmed":
		return mac.Confirmed
	case "proprietary":
		return mac.Proprietary
	default:
		return mac.Unconfirmed
	}
}

// postSend accepts either a raw hex payload or, when a codec is
// configured, an application object that the codec's Encode turns
// into bytes first.
func (s *Server) postSend(c *gin.Context) {
	var req sendRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var payload []byte
	switch {
	case req.Object != nil:
		if s.codec == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no codec configured"})
			return
		}
		encoded, err := s.codec.Encode(req.FPort, req.Object)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		payload = encoded
	case req.PayloadHex != "":
		decoded, err := hex.DecodeString(req.PayloadHex)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payloadHex: " + err.Error()})
			return
		}
		payload = decoded
	}

	n, err := s.device.Send(req.FPort, payload, parseMode(req.Mode))
	if err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"bytesBuffered": n})
}

// getReceive returns the last delivered downlink, decoded through the
// codec when one is configured (whatever the port), and clears it so a second call without a new downlink reports none.
func (s *Server) getReceive(c *gin.Context) {
	port, payload, ok := s.device.Receive()
	if !ok {
		c.JSON(http.StatusNoContent, nil)
		return
	}

	resp := gin.H{
		"fPort":      port,
		"payloadHex": hex.EncodeToString(payload),
	}
	if s.codec != nil {
		if obj, err := s.codec.Decode(port, payload); err == nil {
			resp["object"] = obj
		} else if err != appcodec.ErrDecodeNotDefined {
			resp["decodeError"] = err.Error()
		}
	}
	c.JSON(http.StatusOK, resp)
}

// getEvents returns the recorded event history for this device; it is
// a snapshot, not a stream, so a dashboard polls it rather than
// holding a connection open.
func (s *Server) getEvents(c *gin.Context) {
	_, history, unsubscribe := s.broker.Subscribe(events.Topic(s.device.DevEUI().String()))
	unsubscribe()
	c.JSON(http.StatusOK, gin.H{"events": history})
}

type adrRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) postADR(c *gin.Context) {
	var req adrRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var err error
	if req.Enabled {
		err = s.device.EnableADR()
	} else {
		err = s.device.DisableADR()
	}
	if err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"adrEnabled": req.Enabled})
}

type datarateRequest struct {
	DataRate int `json:"dataRate"`
}

func (s *Server) postDatarate(c *gin.Context) {
	var req datarateRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.device.SetDatarate(req.DataRate); err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dataRate": req.DataRate})
}

func (s *Server) getCodec(c *gin.Context) {
	if s.codec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no codec configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"configured": true})
}

type codecRequest struct {
	Name   string `json:"name" binding:"required"`
	Script string `json:"script" binding:"required"`
}

// postCodec hot-swaps the device's codec script.
func (s *Server) postCodec(c *gin.Context) {
	if s.codec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no codec configured"})
		return
	}
	var req codecRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	script := appcodec.NewScript(req.Name, req.Script)
	if err := s.codec.Replace(script); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "codec replaced", "id": script.ID})
}

func parseDevAddr(s string) (lorawan.DevAddr, error) {
	var addr lorawan.DevAddr
	b, err := hex.DecodeString(s)
	if err != nil {
		return addr, err
	}
	if len(b) != len(addr) {
		return addr, fmt.Errorf("want %d bytes, got %d", len(addr), len(b))
	}
	copy(addr[:], b)
	return addr, nil
}

func parseKey(s string) (lorawan.AES128Key, error) {
	var key lorawan.AES128Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(b) != len(key) {
		return key, fmt.Errorf("want %d bytes, got %d", len(key), len(b))
	}
	copy(key[:], b)
	return key, nil
}
