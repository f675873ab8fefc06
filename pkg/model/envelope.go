package model

// Envelope is an encrypted message queued for a recipient.
// The relay never looks inside Ciphertext.
type Envelope struct { // A
	ID             string `json:"id"`
	FromPublicKey  string `json:"fromPublicKey"`
	ToPublicKey    string `json:"toPublicKey"`
	Ciphertext     []byte `json:"ciphertext"`
	Nonce          []byte `json:"nonce"`
	Signature      string `json:"signature"`
	CreatedAt      int64  `json:"createdAt"`
	DeliveredAt    *int64 `json:"deliveredAt,omitempty"`
	AcknowledgedAt *int64 `json:"acknowledgedAt,omitempty"`
}
