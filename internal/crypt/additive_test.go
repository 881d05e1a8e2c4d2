package crypt

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	testToken  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testSender = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestZeroOpensToZero(t *testing.T) {
	c := NewAdditiveCodec()
	v, err := c.Open(c.Zero())
	if err != nil {
		t.Fatalf("open zero: %v", err)
	}
	if v != 0 {
		t.Fatalf("zero handle opened to %d", v)
	}
}

func TestSealVerifyRoundtrip(t *testing.T) {
	c := NewAdditiveCodec()
	ctx := NewContext(testToken, testSender)

	enc := c.Seal(12_000, ctx)
	if err := c.Verify(enc, ctx); err != nil {
		t.Fatalf("verify sealed amount: %v", err)
	}

	v, err := c.Open(enc.Handle)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if v != 12_000 {
		t.Fatalf("opened %d, want 12000", v)
	}
}

func TestVerifyRejectsWrongContext(t *testing.T) {
	c := NewAdditiveCodec()
	ctx := NewContext(testToken, testSender)
	enc := c.Seal(500, ctx)

	otherToken := NewContext(common.HexToAddress("0x3333333333333333333333333333333333333333"), testSender)
	if err := c.Verify(enc, otherToken); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("verify with wrong token context: got %v, want ErrInvalidProof", err)
	}

	otherSender := NewContext(testToken, common.HexToAddress("0x4444444444444444444444444444444444444444"))
	if err := c.Verify(enc, otherSender); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("verify with wrong sender context: got %v, want ErrInvalidProof", err)
	}
}

func TestVerifyRejectsMalformedHandle(t *testing.T) {
	c := NewAdditiveCodec()
	ctx := NewContext(testToken, testSender)

	enc := EncryptedAmount{Handle: Handle{0x01, 0x02}, Proof: Proof{}}
	if err := c.Verify(enc, ctx); !errors.Is(err, ErrMalformedHandle) {
		t.Fatalf("verify short handle: got %v, want ErrMalformedHandle", err)
	}
}

func TestAddSub(t *testing.T) {
	c := NewAdditiveCodec()
	ctx := NewContext(testToken, testSender)

	a := c.Seal(7_500, ctx).Handle
	b := c.Seal(1_200, ctx).Handle

	sum, err := c.Add(a, b)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if v, _ := c.Open(sum); v != 8_700 {
		t.Fatalf("sum opened to %d, want 8700", v)
	}

	diff, err := c.Sub(a, b)
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	if v, _ := c.Open(diff); v != 6_300 {
		t.Fatalf("diff opened to %d, want 6300", v)
	}
}

func TestAddRejectsMalformedOperand(t *testing.T) {
	c := NewAdditiveCodec()
	if _, err := c.Add(Handle{0x01}, c.Zero()); !errors.Is(err, ErrMalformedHandle) {
		t.Fatalf("add malformed handle: got %v, want ErrMalformedHandle", err)
	}
	if _, err := c.Sub(c.Zero(), Handle{}); !errors.Is(err, ErrMalformedHandle) {
		t.Fatalf("sub malformed handle: got %v, want ErrMalformedHandle", err)
	}
}

func TestContextDomainBindsToken(t *testing.T) {
	ctxA := NewContext(testToken, testSender)
	ctxB := NewContext(common.HexToAddress("0x5555555555555555555555555555555555555555"), testSender)
	if ctxA.Domain == ctxB.Domain {
		t.Fatal("different tokens produced the same domain")
	}
}
