package models

// AttachRequestedEvent is published by the bulk importer for rows that carry
// an upload reference.
type AttachRequestedEvent struct {
	Sku      string `json:"sku"`
	UploadId string `json:"upload_id"`
}

type UploadCompletedEvent struct {
	UploadId string                        `json:"upload_id"`
	Checksum string                        `json:"checksum"`
	Variants map[VariantLabel]VariantEntry `json:"variants"`
}

type VariantEntry struct {
	Path   string `json:"path"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}
