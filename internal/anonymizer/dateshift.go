package anonymizer

import (
	"crypto/md5"
	"math/big"
	"regexp"
	"strconv"
	"time"
)

// yearsInDays mirrors the reference implementation's "10 years" modulus
// used to bound the date-shift delta.
const yearsInDays = 3652

// defaultAnonDate is substituted for an invalid or pre-1900 source
// date, per the supplemented default-date-clamp behavior.
const defaultAnonDate = "20000101"

const dicomDateLayout = "20060102"

func validDate(s string) (time.Time, bool) {
	t, err := time.Parse(dicomDateLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	if t.Before(time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)) {
		return time.Time{}, false
	}
	return t, true
}

// DateDelta computes anon_date_delta(phi_patient_id) = MD5(phi_patient_id)
// interpreted as a big-endian integer, mod 3652 (spec §3 invariant 4).
// An empty patient id yields a delta of zero.
func DateDelta(phiPatientID string) int {
	if phiPatientID == "" {
		return 0
	}
	sum := md5.Sum([]byte(phiPatientID))
	n := new(big.Int).SetBytes(sum[:])
	mod := big.NewInt(yearsInDays)
	return int(new(big.Int).Mod(n, mod).Int64())
}

// HashDate shifts date by deltaDays, unless either of the reference
// implementation's two independent fallback triggers applies — an
// invalid or pre-1900 date, or an empty PHI patient id — in which case
// it returns defaultAnonDate instead (original_source's _hash_date).
func HashDate(date string, deltaDays int, phiPatientID string) string {
	if phiPatientID == "" {
		return defaultAnonDate
	}
	t, ok := validDate(date)
	if !ok {
		return defaultAnonDate
	}
	return t.AddDate(0, 0, deltaDays).Format(dicomDateLayout)
}

var ageDigits = regexp.MustCompile(`\d+`)
var ageUnit = regexp.MustCompile(`[A-Za-z]+`)

// RoundAge rounds a DICOM age string (form "NNNU" where U is one of
// D/W/M/Y) to the nearest multiple of width, preserving the unit
// suffix. The result is left-padded with a single "0" when needed to
// give it an even length ("004Y" at width 5 becomes "5Y", "012Y" becomes
// "010Y"). An unparseable string is returned unmodified.
func RoundAge(age string, width int) string {
	if age == "" || width <= 0 {
		return age
	}
	digits := ageDigits.FindString(age)
	unit := ageUnit.FindString(age)
	n, err := strconv.Atoi(digits)
	if err != nil || unit == "" {
		return age
	}
	rounded := int(roundToNearest(float64(n), width))
	out := strconv.Itoa(rounded) + unit
	if len(out)%2 != 0 {
		out = "0" + out
	}
	return out
}

func roundToNearest(v float64, width int) float64 {
	w := float64(width)
	q := v / w
	r := q - float64(int(q))
	if r >= 0.5 {
		return (float64(int(q)) + 1) * w
	}
	return float64(int(q)) * w
}
