package radiotap

import (
	"errors"
	"fmt"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// stbcOneStream is the MCS flags value for one STBC spatial stream.
const stbcOneStream layers.RadioTapMCSFlags = 1 << 5

// Header serialises p into a radiotap transmit header carrying TX
// flags and the HT MCS field.
func Header(p Params) ([]byte, error) {
	known := layers.RadioTapMCSKnownBandwidth |
		layers.RadioTapMCSKnownMCSIndex |
		layers.RadioTapMCSKnownGuardInterval
	var flags layers.RadioTapMCSFlags
	if p.ChannelWidthMHz == 40 {
		flags |= 1 // HT40
	}
	if p.ShortGuardInterval {
		flags |= layers.RadioTapMCSFlagsShortGI
	}
	if p.LDPC {
		known |= layers.RadioTapMCSKnownFECType
		flags |= layers.RadioTapMCSFlagsFECLDPC
	}
	if p.STBC {
		known |= layers.RadioTapMCSKnownSTBC
		flags |= stbcOneStream
	}

	var txFlags layers.RadioTapTxFlags
	if p.NoAck {
		txFlags |= layers.RadioTapTxFlagsNoACK
	}

	rt := layers.RadioTap{
		Present: layers.RadioTapPresentTxFlags | layers.RadioTapPresentMCS,
		TxFlags: txFlags,
		MCS: layers.RadioTapMCS{
			Known: known,
			Flags: flags,
			MCS:   uint8(p.MCSIndex),
		},
	}

	buf := gopacket.NewSerializeBuffer()
	if err := rt.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true}); err != nil {
		return nil, fmt.Errorf("serialise radiotap header: %w", err)
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// ParamsFromHeader recovers Params from a header produced by Header.
func ParamsFromHeader(data []byte) (Params, error) {
	var rt layers.RadioTap
	if err := decode(&rt, data); err != nil {
		return Params{}, err
	}
	if !rt.Present.MCS() {
		return Params{}, errors.New("radiotap header has no MCS field")
	}
	p := Params{
		ChannelWidthMHz:    20,
		MCSIndex:           int(rt.MCS.MCS),
		ShortGuardInterval: rt.MCS.Flags.ShortGI(),
		LDPC:               rt.MCS.Known.FECType() && rt.MCS.Flags.FECLDPC(),
		STBC:               rt.MCS.Known.STBC() && rt.MCS.Flags.STBC() > 0,
		NoAck:              rt.Present.TxFlags() && rt.TxFlags.NoACK(),
	}
	if rt.MCS.Flags.Bandwidth() == 1 {
		p.ChannelWidthMHz = 40
	}
	return p, nil
}

// RxInfo is the per-frame receive metadata reported by the driver.
type RxInfo struct {
	SignalDBM int8
	HasSignal bool
	NoiseDBM  int8
	Antenna   uint8
	BadFCS    bool
	FreqMHz   uint16
}

// ParseRx decodes the radiotap header of a captured frame and returns
// the 802.11 frame that follows it, with any FCS removed.
func ParseRx(data []byte) (RxInfo, []byte, error) {
	var rt layers.RadioTap
	if err := decode(&rt, data); err != nil {
		return RxInfo{}, nil, err
	}
	// gopacket always leaves a 4 byte FCS at the end of the payload,
	// computing one when the driver did not supply it.
	payload := rt.Payload
	if len(payload) < 4 {
		return RxInfo{}, nil, errors.New("radiotap payload too short")
	}
	info := RxInfo{
		SignalDBM: rt.DBMAntennaSignal,
		HasSignal: rt.Present.DBMAntennaSignal(),
		NoiseDBM:  rt.DBMAntennaNoise,
		Antenna:   rt.Antenna,
		BadFCS:    rt.Flags.BadFCS() || (rt.Present.RxFlags() && rt.RxFlags.BadPlcp()),
		FreqMHz:   uint16(rt.ChannelFrequency),
	}
	return info, payload[:len(payload)-4], nil
}

// decode wraps RadioTap.DecodeFromBytes. Captured frames are
// untrusted and the decoder indexes fields straight from the present
// bitmap, so a lying bitmap is turned into an error here.
func decode(rt *layers.RadioTap, data []byte) (err error) {
	// gopacket clamps an it_len past the buffer instead of failing.
	if _, err := HeaderLen(data); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed radiotap header: %v", r)
		}
	}()
	if err := rt.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return fmt.Errorf("decode radiotap: %w", err)
	}
	return nil
}

// RxHeader builds a capture-side radiotap header carrying info. The
// emulated medium prepends it to delivered frames.
func RxHeader(info RxInfo) ([]byte, error) {
	rt := layers.RadioTap{
		Present: layers.RadioTapPresentFlags | layers.RadioTapPresentChannel | layers.RadioTapPresentAntenna,
		Antenna: info.Antenna,
	}
	if info.BadFCS {
		rt.Flags |= layers.RadioTapFlagsBadFCS
	}
	if info.FreqMHz != 0 {
		rt.ChannelFrequency = layers.RadioTapChannelFrequency(info.FreqMHz)
		rt.ChannelFlags = layers.RadioTapChannelFlagsOFDM | layers.RadioTapChannelFlagsGhz5
	}
	if info.HasSignal {
		rt.Present |= layers.RadioTapPresentDBMAntennaSignal | layers.RadioTapPresentDBMAntennaNoise
		rt.DBMAntennaSignal = info.SignalDBM
		rt.DBMAntennaNoise = info.NoiseDBM
	}
	buf := gopacket.NewSerializeBuffer()
	if err := rt.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true}); err != nil {
		return nil, fmt.Errorf("serialise radiotap rx header: %w", err)
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// HeaderLen returns the length of the radiotap header at the start of
// data.
func HeaderLen(data []byte) (int, error) {
	if len(data) < 8 {
		return 0, errors.New("radiotap header too short")
	}
	n := int(data[2]) | int(data[3])<<8
	if n < 8 || n > len(data) {
		return 0, fmt.Errorf("radiotap length %d out of range", n)
	}
	return n, nil
}
