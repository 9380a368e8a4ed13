// Package frame implements the MAC engine's frame codec (component C2):
// building and parsing LoRaWAN PHY payloads, computing and verifying the
// MIC, and encrypting/decrypting FRMPayload and join-accept bodies.
//
// The cryptographic primitives themselves are never reimplemented here;
// every call goes straight through github.com/brocaar/lorawan, which
// already carries the CMAC/AES-CTR machinery the LoRaWAN 1.0.2 spec
// describes. This package only ever calls the 1.0.x-compatible corners
// of that API: MACVersion is always LoRaWAN1_0, confFCnt/txDR/txCh are
// always zero, and DLSettings.OptNeg is always false, which collapses
// brocaar/lorawan's 1.1-capable MIC formulas back down to the plain
// CMAC-over-B0 the 1.0.2 spec defines.
package frame

import (
	"crypto/aes"
	"errors"
	"fmt"

	"github.com/brocaar/lorawan"
)

// Errors returned by ParseAndVerifyDownlink.
var (
	ErrAddressMismatch = errors.New("frame: dev addr mismatch")
	ErrMicFail         = errors.New("frame: mic verification failed")
	ErrCounterGap      = errors.New("frame: downlink counter gap too large")
	ErrReplay          = errors.New("frame: downlink counter went backwards")
	ErrCryptoFail      = errors.New("frame: payload decrypt failed")
)

// Uplink describes the material needed to build a data uplink frame.
type Uplink struct {
	Confirmed bool
	ADR       bool
	ADRACKReq bool
	DevAddr   lorawan.DevAddr
	FCntUp    uint32
	FOpts     []byte // raw, pre-marshalled MAC command bytes, already <=15
	FPort     *uint8
	Payload   []byte // plaintext application payload; nil/empty for FOpts-only frames
	NwkSKey   lorawan.AES128Key
	AppSKey   lorawan.AES128Key
}

// BuildJoinRequest builds and MICs a join-request PHYPayload and returns
// its wire bytes. dev_nonce must be fresh for every attempt.
func BuildJoinRequest(joinEUI, devEUI lorawan.EUI64, devNonce lorawan.DevNonce, appKey lorawan.AES128Key) ([]byte, error) {
	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWANR1},
		MACPayload: &lorawan.JoinRequestPayload{
			JoinEUI:  joinEUI,
			DevEUI:   devEUI,
			DevNonce: devNonce,
		},
	}
	if err := phy.SetUplinkJoinMIC(appKey); err != nil {
		return nil, fmt.Errorf("frame: set join mic: %w", err)
	}
	b, err := phy.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("frame: marshal join request: %w", err)
	}
	return b, nil
}

// BuildDataUp builds, encrypts and MICs an uplink data frame.
//
// Port 0 (a MAC-command-only payload riding in FRMPayload instead of
// FOpts) is encrypted with NwkSKey; every other port uses AppSKey, per
// spec.md §4.2.
func BuildDataUp(u Uplink) ([]byte, error) {
	if len(u.FOpts) > 15 {
		return nil, fmt.Errorf("frame: fopts length %d exceeds 15 bytes", len(u.FOpts))
	}

	mtype := lorawan.UnconfirmedDataUp
	if u.Confirmed {
		mtype = lorawan.ConfirmedDataUp
	}

	fctrl, err := lorawan.NewFCtrl(u.ADR, u.ADRACKReq, false, false, uint8(len(u.FOpts)))
	if err != nil {
		return nil, fmt.Errorf("frame: build fctrl: %w", err)
	}

	mac := &lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: u.DevAddr,
			FCtrl:   fctrl,
			FCnt:    uint16(u.FCntUp),
			FOpts:   foptsToPayloads(u.FOpts),
		},
		FPort: u.FPort,
	}
	if u.FPort != nil && len(u.Payload) > 0 {
		mac.FRMPayload = []lorawan.Payload{&lorawan.DataPayload{Bytes: u.Payload}}
	}

	phy := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: mtype, Major: lorawan.LoRaWANR1},
		MACPayload: mac,
	}

	key := u.AppSKey
	if u.FPort != nil && *u.FPort == 0 {
		key = u.NwkSKey
	}
	if len(mac.FRMPayload) > 0 {
		if err := phy.EncryptFRMPayload(key); err != nil {
			return nil, fmt.Errorf("frame: encrypt frm payload: %w", err)
		}
	}

	if err := phy.SetUplinkDataMIC(lorawan.LoRaWAN1_0, 0, 0, 0, u.NwkSKey, u.NwkSKey); err != nil {
		return nil, fmt.Errorf("frame: set uplink mic: %w", err)
	}

	b, err := phy.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("frame: marshal data up: %w", err)
	}
	return b, nil
}

// ParsedDown is a successfully decoded and verified downlink data frame.
type ParsedDown struct {
	Confirmed bool
	ACK       bool
	FPending  bool
	FCntDown  uint32
	FOpts     []byte // raw MAC command bytes pulled from FOpts, undecoded
	FPort     *uint8
	Payload   []byte // decrypted application payload, nil if none
}

// PeekDevAddr extracts FHDR.DevAddr from a downlink data frame without
// verifying its MIC, so a caller fielding both unicast and multicast
// traffic can pick the matching session (and its keys/counter) before
// paying for full verification.
func PeekDevAddr(buf []byte) (lorawan.DevAddr, error) {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(buf); err != nil {
		return lorawan.DevAddr{}, fmt.Errorf("frame: unmarshal downlink: %w", err)
	}
	mac, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return lorawan.DevAddr{}, fmt.Errorf("frame: unexpected mac payload type %T", phy.MACPayload)
	}
	return mac.FHDR.DevAddr, nil
}

// ParseAndVerifyDownlink parses buf as a downlink data frame addressed to
// devAddr, reconstructs the 32-bit downlink counter from lastFCntDown and
// the frame's 16-bit field, verifies the MIC and decrypts FRMPayload.
//
// Counter reconstruction follows spec.md §4.2: the direct low-16-bit
// extension is tried first and, if its MIC does not match, a 2^16
// rollover; a candidate is accepted only if its MIC matches.
func ParseAndVerifyDownlink(buf []byte, devAddr lorawan.DevAddr, nwkSKey, appSKey lorawan.AES128Key, lastFCntDown uint32, maxFCntGap uint32) (*ParsedDown, error) {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(buf); err != nil {
		return nil, fmt.Errorf("frame: unmarshal downlink: %w", err)
	}

	mac, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return nil, fmt.Errorf("frame: unexpected mac payload type %T", phy.MACPayload)
	}
	if mac.FHDR.DevAddr != devAddr {
		return nil, ErrAddressMismatch
	}

	fcnt32, matched, err := resolveFCntDown(phy, mac.FHDR.FCnt, lastFCntDown, nwkSKey)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, ErrMicFail
	}
	if fcnt32 < lastFCntDown {
		return nil, ErrReplay
	}
	if fcnt32-lastFCntDown > maxFCntGap {
		return nil, ErrCounterGap
	}

	out := &ParsedDown{
		Confirmed: phy.MHDR.MType == lorawan.ConfirmedDataDown,
		ACK:       mac.FHDR.FCtrl.ACK(),
		FPending:  mac.FHDR.FCtrl.FPending(),
		FCntDown:  fcnt32,
		FOpts:     payloadsToFOpts(mac.FHDR.FOpts),
		FPort:     mac.FPort,
	}

	if mac.FPort != nil && len(mac.FRMPayload) > 0 {
		key := appSKey
		if *mac.FPort == 0 {
			key = nwkSKey
		}
		phy.MACPayload = mac // EncryptFRMPayload/DecryptFRMPayload mutate this field in place
		if err := phy.DecryptFRMPayload(key); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCryptoFail, err)
		}
		dec, ok := phy.MACPayload.(*lorawan.MACPayload)
		if !ok || len(dec.FRMPayload) == 0 {
			return nil, ErrCryptoFail
		}
		dp, ok := dec.FRMPayload[0].(*lorawan.DataPayload)
		if !ok {
			return nil, ErrCryptoFail
		}
		out.Payload = dp.Bytes
	}

	return out, nil
}

// resolveFCntDown tries the direct low-16-bit extension first, then a
// single 2^16 rollover, accepting whichever reconstruction's MIC
// validates, exactly as spec.md §4.2 describes. diff is computed with
// 16-bit wraparound so it is always the forward distance from the
// stored low 16 bits to the received ones; the rollover candidate is
// simply one more full epoch of that same forward distance.
func resolveFCntDown(phy lorawan.PHYPayload, wireFCnt uint16, lastFCntDown uint32, nwkSKey lorawan.AES128Key) (uint32, bool, error) {
	low16 := uint16(lastFCntDown)
	diff := uint32(wireFCnt - low16)

	direct := lastFCntDown + diff
	if ok, err := validateAt(phy, direct, nwkSKey); err != nil {
		return 0, false, err
	} else if ok {
		return direct, true, nil
	}

	rolled := direct + (1 << 16)
	if ok, err := validateAt(phy, rolled, nwkSKey); err != nil {
		return 0, false, err
	} else if ok {
		return rolled, true, nil
	}

	return 0, false, nil
}

func validateAt(phy lorawan.PHYPayload, fcnt32 uint32, nwkSKey lorawan.AES128Key) (bool, error) {
	mac, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return false, fmt.Errorf("frame: unexpected mac payload type %T", phy.MACPayload)
	}
	mac.FCnt = uint16(fcnt32)
	return phy.ValidateDownlinkDataMIC(lorawan.LoRaWAN1_0, 0, nwkSKey)
}

// JoinAccepted is the decoded, decrypted join-accept result plus the
// session keys it implies.
type JoinAccepted struct {
	NetID      lorawan.NetID
	DevAddr    lorawan.DevAddr
	DLSettings lorawan.DLSettings
	RxDelay    uint8
	CFList     *lorawan.CFList
	NwkSKey    lorawan.AES128Key
	AppSKey    lorawan.AES128Key
}

// ParseJoinAccept decrypts and verifies buf as a join-accept frame and
// derives the session keys from appKey, the server's joinNonce (carried
// in the frame) and the device's devNonce (the one sent in the matching
// join-request).
func ParseJoinAccept(buf []byte, appKey lorawan.AES128Key, devNonce lorawan.DevNonce) (*JoinAccepted, error) {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(buf); err != nil {
		return nil, fmt.Errorf("frame: unmarshal join accept: %w", err)
	}
	if phy.MHDR.MType != lorawan.JoinAccept {
		return nil, fmt.Errorf("frame: not a join-accept frame (mtype %v)", phy.MHDR.MType)
	}

	if err := phy.DecryptJoinAcceptPayload(appKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFail, err)
	}

	jap, ok := phy.MACPayload.(*lorawan.JoinAcceptPayload)
	if !ok {
		return nil, fmt.Errorf("frame: unexpected join accept payload type %T", phy.MACPayload)
	}

	var joinEUI lorawan.EUI64 // unused: OptNeg is always false for 1.0.2 devices
	ok2, err := phy.ValidateDownlinkJoinMIC(lorawan.JoinRequestType, joinEUI, devNonce, appKey)
	if err != nil {
		return nil, fmt.Errorf("frame: validate join accept mic: %w", err)
	}
	if !ok2 {
		return nil, ErrMicFail
	}

	nwkSKey, err := deriveSessionKey(0x01, jap.JoinNonce, jap.HomeNetID, devNonce, appKey)
	if err != nil {
		return nil, err
	}
	appSKey, err := deriveSessionKey(0x02, jap.JoinNonce, jap.HomeNetID, devNonce, appKey)
	if err != nil {
		return nil, err
	}

	return &JoinAccepted{
		NetID:      jap.HomeNetID,
		DevAddr:    jap.DevAddr,
		DLSettings: jap.DLSettings,
		RxDelay:    jap.RXDelay,
		CFList:     jap.CFList,
		NwkSKey:    nwkSKey,
		AppSKey:    appSKey,
	}, nil
}

// deriveSessionKey computes NwkSKey (prefix 0x01) or AppSKey (prefix
// 0x02) per LoRaWAN 1.0.2 §6.2.5: AES128_encrypt(AppKey, prefix |
// JoinNonce | NetID | DevNonce | pad16). Session-key derivation is a
// single raw AES-128 block encryption, a primitive brocaar/lorawan
// does not expose a join-side helper for (its KeyDerivation helpers
// all target the 1.1 join/app-server split); crypto/aes is the
// standard way the device side of this derivation is written.
func deriveSessionKey(prefix byte, joinNonce lorawan.JoinNonce, netID lorawan.NetID, devNonce lorawan.DevNonce, appKey lorawan.AES128Key) (lorawan.AES128Key, error) {
	var key lorawan.AES128Key

	b := make([]byte, 0, 16)
	b = append(b, prefix)

	jn, err := joinNonce.MarshalBinary()
	if err != nil {
		return key, fmt.Errorf("frame: marshal join nonce: %w", err)
	}
	b = append(b, jn...)

	nid, err := netID.MarshalBinary()
	if err != nil {
		return key, fmt.Errorf("frame: marshal net id: %w", err)
	}
	b = append(b, nid...)

	dn, err := devNonce.MarshalBinary()
	if err != nil {
		return key, fmt.Errorf("frame: marshal dev nonce: %w", err)
	}
	b = append(b, dn...)

	for len(b) < 16 {
		b = append(b, 0)
	}

	block, err := aes.NewCipher(appKey[:])
	if err != nil {
		return key, fmt.Errorf("frame: derive session key: %w", err)
	}
	var out [16]byte
	block.Encrypt(out[:], b)
	copy(key[:], out[:])
	return key, nil
}

func foptsToPayloads(raw []byte) []lorawan.Payload {
	if len(raw) == 0 {
		return nil
	}
	return []lorawan.Payload{&lorawan.DataPayload{Bytes: raw}}
}

func payloadsToFOpts(payloads []lorawan.Payload) []byte {
	var out []byte
	for _, p := range payloads {
		if mc, ok := p.(*lorawan.MACCommand); ok {
			b, err := mc.MarshalBinary()
			if err == nil {
				out = append(out, b...)
			}
			continue
		}
		if dp, ok := p.(*lorawan.DataPayload); ok {
			out = append(out, dp.Bytes...)
		}
	}
	return out
}
