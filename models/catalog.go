package models

import (
	"strings"
	"time"
)

type VariantRef struct {
	SessionId string       `dynamodbav:"session_id"`
	Label     VariantLabel `dynamodbav:"label"`
}

// CatalogItem is the slice of a catalog record this service links images to.
type CatalogItem struct {
	Sku          string      `dynamodbav:"sku"`
	Name         string      `dynamodbav:"name"`
	PrimaryImage *VariantRef `dynamodbav:"primary_image,omitempty"`
	UpdatedAt    time.Time   `dynamodbav:"updated_at"`
}

func NormalizeSku(sku string) string {
	return strings.ToUpper(strings.TrimSpace(sku))
}

type AttachResult struct {
	Sku          string        `json:"sku"`
	PrimaryImage *ImageVariant `json:"primary_image"`
}
