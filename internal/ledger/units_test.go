package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func TestGweiToWei(t *testing.T) {
	tests := []struct {
		gwei string
		want string
	}{
		{"1", "1000000000"},
		{"50", "50000000000"},
		{"1.5", "1500000000"},
		{"0", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.gwei, func(t *testing.T) {
			got := GweiToWei(decimal.RequireFromString(tt.gwei))
			if got.String() != tt.want {
				t.Errorf("GweiToWei(%s) = %s, want %s", tt.gwei, got, tt.want)
			}
		})
	}
}

func TestParseEtherAndFormat(t *testing.T) {
	wei, err := ParseEther("0.5")
	if err != nil {
		t.Fatalf("ParseEther() error = %v", err)
	}
	if wei.String() != "500000000000000000" {
		t.Errorf("ParseEther(0.5) = %s", wei)
	}
	if got := FormatEther(wei); got != "0.5" {
		t.Errorf("FormatEther() = %q, want %q", got, "0.5")
	}
	if _, err := ParseEther("-1"); err == nil {
		t.Error("ParseEther(-1) should fail")
	}
	if _, err := ParseEther("abc"); err == nil {
		t.Error("ParseEther(abc) should fail")
	}
}

func TestToWeiTruncates(t *testing.T) {
	got := ToWei(decimal.RequireFromString("0.0000000000000000019"), EtherDecimals)
	if got.Int64() != 1 {
		t.Errorf("ToWei() = %s, want 1", got)
	}
	if FromWei(nil, EtherDecimals).Sign() != 0 {
		t.Error("FromWei(nil) should be zero")
	}
}

func TestChecksum(t *testing.T) {
	got, err := Checksum("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	if err != nil {
		t.Fatalf("Checksum() error = %v", err)
	}
	if got != "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed" {
		t.Errorf("Checksum() = %s", got)
	}
	if _, err := Checksum("0x123"); err == nil {
		t.Error("Checksum(0x123) should fail")
	}
	if IsAddress("not-an-address") {
		t.Error("IsAddress() = true for garbage")
	}
}

func TestGasCost(t *testing.T) {
	got := GasCost(big.NewInt(50_000_000_000), 21000)
	if got.String() != "1050000000000000" {
		t.Errorf("GasCost() = %s", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&ConnectivityError{Op: "x", Err: errors.New("down")}, ClassConnectivity},
		{fmt.Errorf("wrapped: %w", &RejectedError{Reason: "bad"}), ClassRejected},
		{&TimeoutError{}, ClassTimeout},
		{errors.New("boom"), ClassOther},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
