package anonymizer

import (
	"crypto/md5"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDateDeltaMatchesMD5Mod3652(t *testing.T) {
	patientID := "PHI-1234"
	sum := md5.Sum([]byte(patientID))
	want := new(big.Int).Mod(new(big.Int).SetBytes(sum[:]), big.NewInt(3652)).Int64()

	require.Equal(t, int(want), DateDelta(patientID))
	require.Equal(t, 0, DateDelta(""))
}

func TestHashDateShiftsByDelta(t *testing.T) {
	require.Equal(t, "20200106", HashDate("20200101", 5, "PHI-1234"))
}

func TestHashDateFallsBackOnInvalidDate(t *testing.T) {
	require.Equal(t, defaultAnonDate, HashDate("not-a-date", 5, "PHI-1234"))
	require.Equal(t, defaultAnonDate, HashDate("18991231", 5, "PHI-1234"))
}

// TestHashDateFallsBackOnEmptyPatientID covers original_source's second,
// independent _hash_date fallback trigger: an empty PHI patient id
// forces defaultAnonDate even when the date itself is otherwise valid.
func TestHashDateFallsBackOnEmptyPatientID(t *testing.T) {
	require.Equal(t, defaultAnonDate, HashDate("20200101", 5, ""))
}

func TestRoundAgePreservesUnitSuffix(t *testing.T) {
	require.Equal(t, "5Y", RoundAge("004Y", 5))
	require.Equal(t, "010Y", RoundAge("012Y", 5))
}

func TestRoundAgeLeavesUnparseableUnchanged(t *testing.T) {
	require.Equal(t, "", RoundAge("", 5))
	require.Equal(t, "garbage", RoundAge("garbage", 5))
}
