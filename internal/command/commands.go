package command

// SubmitEvent carries a raw inventory event as received from a client.
// The payload is parsed and validated by the handler.
type SubmitEvent struct {
	Payload []byte
}
