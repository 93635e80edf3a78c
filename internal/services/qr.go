package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"strings"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/spicetrace/spicetrace-backend/internal/authz"
	"github.com/spicetrace/spicetrace-backend/internal/clients/gcp"
	"github.com/spicetrace/spicetrace-backend/internal/index"
	"github.com/spicetrace/spicetrace-backend/internal/logger"
	"github.com/spicetrace/spicetrace-backend/internal/proverr"
	"github.com/spicetrace/spicetrace-backend/internal/requestdata"
	"github.com/spicetrace/spicetrace-backend/internal/types"
)

const qrImageSize = 256

// QRArtifact is the verification bundle for one product: the canonical
// verify URL, the QR PNG encoding it, and a printable label card. When an
// artifact archive is configured, ArtifactURL points at the stored card.
type QRArtifact struct {
	ProductID   string `json:"product_id"`
	VerifyURL   string `json:"verify_url"`
	QRPNG       []byte `json:"qr_png"`
	CardPNG     []byte `json:"card_png"`
	ArtifactURL string `json:"artifact_url,omitempty"`
}

type QRService interface {
	GenerateVerificationArtifact(ctx context.Context, productID, frontendURL string) (*QRArtifact, error)
}

type qrService struct {
	log       *logger.Logger
	gate      *authz.Gate
	index     index.Index
	bucket    gcp.BucketService
	baseURL   string
	titleFace font.Face
	bodyFace  font.Face
}

// NewQRService builds the artifact generator. bucket may be nil; cards are
// then returned inline only.
func NewQRService(
	log *logger.Logger,
	gate *authz.Gate,
	ix index.Index,
	bucket gcp.BucketService,
	baseURL string,
) (QRService, error) {
	serviceLog := log.With("service", "QRService")
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("verification base URL required")
	}

	parsedFont, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("could not parse label font: %w", err)
	}
	titleFace := truetype.NewFace(parsedFont, &truetype.Options{Size: 30, DPI: 72, Hinting: font.HintingNone})
	bodyFace := truetype.NewFace(parsedFont, &truetype.Options{Size: 18, DPI: 72, Hinting: font.HintingNone})

	return &qrService{
		log:       serviceLog,
		gate:      gate,
		index:     ix,
		bucket:    bucket,
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		titleFace: titleFace,
		bodyFace:  bodyFace,
	}, nil
}

// verifyURL is the canonical link encoded into the QR code. Deterministic:
// the same product and base always produce the same URL.
func (qs *qrService) verifyURL(base, productID string) string {
	return base + "/verify/" + productID
}

// GenerateVerificationArtifact renders the verification bundle. frontendURL
// optionally overrides the configured base so a caller can point the code at
// its own deployment; empty means use the service default.
func (qs *qrService) GenerateVerificationArtifact(ctx context.Context, productID, frontendURL string) (*QRArtifact, error) {
	rd := requestdata.GetRequestData(ctx)
	if rd == nil {
		return nil, fmt.Errorf("%w: no authenticated principal", proverr.ErrUnauthorized)
	}
	role, ok := types.ParseRole(rd.Role)
	if !ok {
		return nil, fmt.Errorf("%w: unknown role %q", proverr.ErrUnauthorized, rd.Role)
	}
	if err := qs.gate.Allow(role, authz.OpGenerateQR); err != nil {
		return nil, err
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, fmt.Errorf("product_id is required")
	}

	// The QR must only ever point at a product that exists.
	snapshot, err := qs.index.Verify(ctx, productID)
	if err != nil {
		return nil, err
	}

	base := qs.baseURL
	if trimmed := strings.TrimRight(strings.TrimSpace(frontendURL), "/"); trimmed != "" {
		base = trimmed
	}
	verifyURL := qs.verifyURL(base, productID)
	code, err := qrcode.New(verifyURL, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("encode QR: %w", err)
	}
	qrPNG, err := code.PNG(qrImageSize)
	if err != nil {
		return nil, fmt.Errorf("render QR PNG: %w", err)
	}

	cardPNG, err := qs.renderCard(snapshot, code.Image(qrImageSize), verifyURL)
	if err != nil {
		return nil, fmt.Errorf("render label card: %w", err)
	}

	artifact := &QRArtifact{
		ProductID: productID,
		VerifyURL: verifyURL,
		QRPNG:     qrPNG,
		CardPNG:   cardPNG,
	}

	if qs.bucket != nil {
		key := fmt.Sprintf("qr_card/%s/%d.png", productID, time.Now().UnixNano())
		if upErr := qs.bucket.UploadFile(ctx, key, bytes.NewReader(cardPNG)); upErr != nil {
			// Archiving is best effort; the caller still gets the card.
			qs.log.Warn("failed to archive QR card", "product_id", productID, "error", upErr)
		} else {
			artifact.ArtifactURL = qs.bucket.GetPublicURL(key)
		}
	}

	qs.log.Info("generated verification artifact", "product_id", productID)
	return artifact, nil
}

// renderCard lays out a printable label: product details up top, the QR in
// the middle, the verify URL underneath.
func (qs *qrService) renderCard(snapshot *types.VerificationSnapshot, qrImage image.Image, verifyURL string) ([]byte, error) {
	const width, height = 400, 560

	dc := gg.NewContext(width, height)
	dc.SetColor(color.White)
	dc.DrawRectangle(0, 0, width, height)
	dc.Fill()

	dc.SetColor(color.Black)
	dc.SetFontFace(qs.titleFace)
	dc.DrawStringAnchored(snapshot.Product.Name, width/2, 48, 0.5, 0.5)

	dc.SetFontFace(qs.bodyFace)
	lines := []string{
		"ID: " + snapshot.Product.ProductID,
	}
	if snapshot.Product.Batch != "" {
		lines = append(lines, "Batch: "+snapshot.Product.Batch)
	}
	if snapshot.Product.OriginRegion != "" {
		lines = append(lines, "Origin: "+snapshot.Product.OriginRegion)
	}
	y := 90.0
	for _, line := range lines {
		dc.DrawStringAnchored(line, width/2, y, 0.5, 0.5)
		y += 26
	}

	dc.DrawImage(qrImage, (width-qrImageSize)/2, 190)

	dc.DrawStringAnchored("Scan to verify provenance", width/2, 480, 0.5, 0.5)
	dc.DrawStringAnchored(verifyURL, width/2, 510, 0.5, 0.5)

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}
