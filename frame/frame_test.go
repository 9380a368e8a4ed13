package frame

import (
	"bytes"
	"testing"

	"github.com/brocaar/lorawan"
)

func testKey(b byte) lorawan.AES128Key {
	var k lorawan.AES128Key
	for i := range k {
		k[i] = b
	}
	return k
}

func TestBuildJoinRequestRoundTrips(t *testing.T) {
	appKey := testKey(0x01)
	joinEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	devEUI := lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}

	b, err := BuildJoinRequest(joinEUI, devEUI, lorawan.DevNonce(42), appKey)
	if err != nil {
		t.Fatalf("BuildJoinRequest: %v", err)
	}

	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ok, err := phy.ValidateUplinkJoinMIC(appKey)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !ok {
		t.Fatal("join request MIC did not validate")
	}
}

func TestBuildDataUpEncryptsApplicationPort(t *testing.T) {
	nwkSKey := testKey(0x02)
	appSKey := testKey(0x03)
	devAddr := lorawan.DevAddr{1, 2, 3, 4}
	port := uint8(5)

	wire, err := BuildDataUp(Uplink{
		DevAddr: devAddr,
		FCntUp:  7,
		FPort:   &port,
		Payload: []byte("hello"),
		NwkSKey: nwkSKey,
		AppSKey: appSKey,
	})
	if err != nil {
		t.Fatalf("BuildDataUp: %v", err)
	}

	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	mac := phy.MACPayload.(*lorawan.MACPayload)
	dp := mac.FRMPayload[0].(*lorawan.DataPayload)
	if bytes.Equal(dp.Bytes, []byte("hello")) {
		t.Fatal("payload was not encrypted on the wire")
	}

	if err := phy.DecryptFRMPayload(appSKey); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	mac = phy.MACPayload.(*lorawan.MACPayload)
	dp = mac.FRMPayload[0].(*lorawan.DataPayload)
	if !bytes.Equal(dp.Bytes, []byte("hello")) {
		t.Fatalf("decrypted payload = %q, want %q", dp.Bytes, "hello")
	}
}

func TestParseAndVerifyDownlinkRejectsBadAddress(t *testing.T) {
	nwkSKey := testKey(0x02)
	appSKey := testKey(0x03)

	port := uint8(1)
	wire, err := BuildDataUp(Uplink{
		DevAddr: lorawan.DevAddr{9, 9, 9, 9},
		FCntUp:  0,
		FPort:   &port,
		Payload: []byte("x"),
		NwkSKey: nwkSKey,
		AppSKey: appSKey,
	})
	if err != nil {
		t.Fatalf("BuildDataUp: %v", err)
	}

	// flip mtype bits to pretend this is a downlink frame for the test.
	wire[0] = (wire[0] &^ (7 << 5)) | (byte(lorawan.UnconfirmedDataDown) << 5)

	_, err = ParseAndVerifyDownlink(wire, lorawan.DevAddr{1, 1, 1, 1}, nwkSKey, appSKey, 0, 16384)
	if err != ErrAddressMismatch {
		t.Fatalf("err = %v, want ErrAddressMismatch", err)
	}
}

func TestParseAndVerifyDownlinkRejectsBadMIC(t *testing.T) {
	nwkSKey := testKey(0x02)
	appSKey := testKey(0x03)
	devAddr := lorawan.DevAddr{1, 1, 1, 1}

	port := uint8(1)
	wire, err := BuildDataUp(Uplink{
		DevAddr: devAddr,
		FCntUp:  0,
		FPort:   &port,
		Payload: []byte("x"),
		NwkSKey: nwkSKey,
		AppSKey: appSKey,
	})
	if err != nil {
		t.Fatalf("BuildDataUp: %v", err)
	}
	wire[0] = (wire[0] &^ (7 << 5)) | (byte(lorawan.UnconfirmedDataDown) << 5)
	wire[len(wire)-1] ^= 0xFF // corrupt one MIC byte

	_, err = ParseAndVerifyDownlink(wire, devAddr, nwkSKey, appSKey, 0, 16384)
	if err != ErrMicFail {
		t.Fatalf("err = %v, want ErrMicFail", err)
	}
}
