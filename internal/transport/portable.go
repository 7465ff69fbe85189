package transport

func newPortable(cfg Config) (Transport, error) {
	switch cfg.Kind {
	case KindTCP:
		return newTCPTransport(cfg)
	default:
		return newUDPTransport(cfg)
	}
}
