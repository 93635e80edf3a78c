package services

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"testing"
	"time"

	"github.com/spicetrace/spicetrace-backend/internal/authz"
	"github.com/spicetrace/spicetrace-backend/internal/chain"
	"github.com/spicetrace/spicetrace-backend/internal/index"
	"github.com/spicetrace/spicetrace-backend/internal/logger"
	"github.com/spicetrace/spicetrace-backend/internal/proverr"
	"github.com/spicetrace/spicetrace-backend/internal/repos"
	"github.com/spicetrace/spicetrace-backend/internal/types"
)

func newQREnv(t *testing.T, baseURL string) (QRService, *chain.MemLedger) {
	t.Helper()
	db := openServiceDB(t)
	log := logger.NewNop()
	gate, err := authz.NewGate()
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	ledger := chain.NewMemLedger()
	ix := index.NewIndex(log, ledger, repos.NewProductRepo(db, log), repos.NewTraceRepo(db, log), nil)
	service, err := NewQRService(log, gate, ix, nil, baseURL)
	if err != nil {
		t.Fatalf("NewQRService: %v", err)
	}
	return service, ledger
}

func registerOnLedger(t *testing.T, ledger *chain.MemLedger, productID string) {
	t.Helper()
	payload := []byte(`{"name":"Tellicherry Pepper","batch":"TP-3","origin_region":"Kerala, India","registered_by":"producer@example.com"}`)
	txHash, err := ledger.Submit(context.Background(), chain.Tx{
		Key:       chain.KeyFor(chain.OpRegisterProduct, productID, payload),
		Op:        chain.OpRegisterProduct,
		ProductID: productID,
		Payload:   payload,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := ledger.AwaitConfirmation(context.Background(), txHash, time.Second); err != nil {
		t.Fatalf("AwaitConfirmation: %v", err)
	}
}

func TestGenerateVerificationArtifact(t *testing.T) {
	service, ledger := newQREnv(t, "https://trace.example.com")
	registerOnLedger(t, ledger, "PEP-100")

	artifact, err := service.GenerateVerificationArtifact(ctxWithRole(types.RoleConsumer, "c@example.com"), "PEP-100", "")
	if err != nil {
		t.Fatalf("GenerateVerificationArtifact: %v", err)
	}
	if artifact.VerifyURL != "https://trace.example.com/verify/PEP-100" {
		t.Fatalf("verify url = %s", artifact.VerifyURL)
	}

	qrImg, err := png.Decode(bytes.NewReader(artifact.QRPNG))
	if err != nil {
		t.Fatalf("QR PNG undecodable: %v", err)
	}
	if qrImg.Bounds().Dx() != qrImageSize {
		t.Fatalf("QR size = %d, want %d", qrImg.Bounds().Dx(), qrImageSize)
	}

	if _, err := png.Decode(bytes.NewReader(artifact.CardPNG)); err != nil {
		t.Fatalf("card PNG undecodable: %v", err)
	}
	if artifact.ArtifactURL != "" {
		t.Fatalf("no archive configured, artifact url must be empty")
	}
}

func TestGenerateVerificationArtifactTrimsBaseURL(t *testing.T) {
	service, ledger := newQREnv(t, "https://trace.example.com/")
	registerOnLedger(t, ledger, "PEP-101")

	artifact, err := service.GenerateVerificationArtifact(ctxWithRole(types.RoleProducer, "p@example.com"), "PEP-101", "")
	if err != nil {
		t.Fatalf("GenerateVerificationArtifact: %v", err)
	}
	if artifact.VerifyURL != "https://trace.example.com/verify/PEP-101" {
		t.Fatalf("verify url = %s", artifact.VerifyURL)
	}
}

func TestGenerateVerificationArtifactFrontendOverride(t *testing.T) {
	service, ledger := newQREnv(t, "https://trace.example.com")
	registerOnLedger(t, ledger, "PEP-103")

	artifact, err := service.GenerateVerificationArtifact(ctxWithRole(types.RoleSeller, "s@example.com"), "PEP-103", "https://shop.example.org/")
	if err != nil {
		t.Fatalf("GenerateVerificationArtifact: %v", err)
	}
	if artifact.VerifyURL != "https://shop.example.org/verify/PEP-103" {
		t.Fatalf("verify url = %s", artifact.VerifyURL)
	}
}

func TestGenerateVerificationArtifactUnknownProduct(t *testing.T) {
	service, _ := newQREnv(t, "https://trace.example.com")
	_, err := service.GenerateVerificationArtifact(ctxWithRole(types.RoleConsumer, "c@example.com"), "GHOST", "")
	if !errors.Is(err, proverr.ErrNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestGenerateVerificationArtifactRequiresPrincipal(t *testing.T) {
	service, ledger := newQREnv(t, "https://trace.example.com")
	registerOnLedger(t, ledger, "PEP-102")
	_, err := service.GenerateVerificationArtifact(context.Background(), "PEP-102", "")
	if !errors.Is(err, proverr.ErrUnauthorized) {
		t.Fatalf("err = %v, want Unauthorized", err)
	}
}
