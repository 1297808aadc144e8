package app

// newTestConfig возвращает валидную конфигурацию на memory-хранилище с mock-провайдером.
func newTestConfig() Config {
	cfg := DefaultConfig()
	cfg.JWTSecret = "test-secret"
	cfg.StorageDriver = StorageDriverMemory
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	return cfg
}
