package wblink

import (
	"fmt"
	"strings"
)

// CardType identifies the chipset family of a WiFi card. The family
// determines which transmit parameters the card honours.
type CardType int

const (
	CardTypeUnknown CardType = iota
	CardTypeEmulated
	CardTypeRealtek8812AU
	CardTypeRealtek8812BU
	CardTypeRealtek8812EU
	CardTypeAtheros9KHTC
	CardTypeAtheros9K
	CardTypeMediatek
)

var cardTypeNames = map[CardType]string{
	CardTypeUnknown:       "unknown",
	CardTypeEmulated:      "emulated",
	CardTypeRealtek8812AU: "rtl8812au",
	CardTypeRealtek8812BU: "rtl8812bu",
	CardTypeRealtek8812EU: "rtl8812eu",
	CardTypeAtheros9KHTC:  "ath9k_htc",
	CardTypeAtheros9K:     "ath9k",
	CardTypeMediatek:      "mt7921u",
}

func (t CardType) String() string {
	if s, ok := cardTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("CardType(%d)", int(t))
}

// ParseCardType maps a driver name (as reported in sysfs uevent) to a
// CardType. Unrecognised drivers map to CardTypeUnknown.
func ParseCardType(driver string) CardType {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "rtl88xxau", "rtl88xxau_wfb", "rtl8812au", "88xxau":
		return CardTypeRealtek8812AU
	case "rtl88x2bu", "rtl8812bu":
		return CardTypeRealtek8812BU
	case "rtl88x2eu", "rtl8812eu":
		return CardTypeRealtek8812EU
	case "ath9k_htc":
		return CardTypeAtheros9KHTC
	case "ath9k":
		return CardTypeAtheros9K
	case "mt7921u", "mt76x2u":
		return CardTypeMediatek
	case "emulated":
		return CardTypeEmulated
	}
	return CardTypeUnknown
}

// MaxMCS returns the highest HT MCS index the card can transmit.
// Single-stream chipsets stop at 7; 2x2 chipsets reach 15.
func (t CardType) MaxMCS() int {
	switch t {
	case CardTypeRealtek8812AU, CardTypeRealtek8812BU, CardTypeRealtek8812EU, CardTypeMediatek, CardTypeEmulated:
		return 15
	default:
		return 7
	}
}

// SupportsLDPC reports whether the driver honours the radiotap LDPC flag.
func (t CardType) SupportsLDPC() bool {
	switch t {
	case CardTypeRealtek8812AU, CardTypeRealtek8812EU, CardTypeEmulated:
		return true
	}
	return false
}

// SupportsSTBC reports whether the driver honours the radiotap STBC field.
func (t CardType) SupportsSTBC() bool {
	switch t {
	case CardTypeAtheros9KHTC, CardTypeAtheros9K:
		return false
	}
	return true
}

// WifiCard is a physical (or emulated) radio used by the link. It is
// immutable once discovered.
type WifiCard struct {
	DeviceName string
	Type       CardType
	// RxOnly cards are never used for injection.
	RxOnly bool
}

func (c WifiCard) String() string {
	return fmt.Sprintf("%s(%s)", c.DeviceName, c.Type)
}

// CardsString renders a card list for log output.
func CardsString(cards []WifiCard) string {
	parts := make([]string, 0, len(cards))
	for _, c := range cards {
		parts = append(parts, c.String())
	}
	return "[" + strings.Join(parts, ",") + "]"
}
