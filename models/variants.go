package models

import "time"

type VariantLabel string

const VariantOriginal VariantLabel = "original"

type OwnerKind string

const OwnerCatalogItem OwnerKind = "catalog_item"

// ImageVariant is one derived image of an upload session, unique per
// (SessionId, Label). The owner pair is a weak back-reference set on attach.
type ImageVariant struct {
	SessionId string       `dynamodbav:"session_id" json:"-"`
	Label     VariantLabel `dynamodbav:"label" json:"variant"`
	Path      string       `dynamodbav:"path" json:"path"`
	Format    string       `dynamodbav:"format" json:"format"`
	Width     int          `dynamodbav:"width" json:"width"`
	Height    int          `dynamodbav:"height" json:"height"`
	Size      int64        `dynamodbav:"size" json:"size"`
	Checksum  string       `dynamodbav:"checksum" json:"checksum"`
	OwnerKind OwnerKind    `dynamodbav:"owner_kind,omitempty" json:"-"`
	OwnerId   string       `dynamodbav:"owner_id,omitempty" json:"-"`
	UpdatedAt time.Time    `dynamodbav:"updated_at" json:"-"`
}

func (v ImageVariant) OwnedBy(kind OwnerKind, id string) bool {
	return v.OwnerKind == kind && v.OwnerId == id
}
