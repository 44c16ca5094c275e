package httpdto

// SendMessageRequest is the body of POST /messages/:peerId. Either Message
// (plaintext) or the ciphertext/iv/salt/alg group is set.
type SendMessageRequest struct {
	Subject    string `json:"subject,omitempty"`
	Message    string `json:"message,omitempty"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
	IV         []byte `json:"iv,omitempty"`
	Salt       []byte `json:"salt,omitempty"`
	Alg        string `json:"alg,omitempty"`
}

// Encrypted reports whether the request carries an envelope.
func (r SendMessageRequest) Encrypted() bool {
	return r.Alg != ""
}
