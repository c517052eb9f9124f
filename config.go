package walletxgo

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Database struct {
		ConnectionString string `yaml:"conn_str"`
		// LockWaitMillis bounds pg_advisory_lock acquisition. 0 blocks
		// indefinitely.
		LockWaitMillis int `yaml:"lock_wait_millis"`
	} `yaml:"database"`
	Limits struct {
		CreateAccount int64 `yaml:"create_account"`
		Deposit       int64 `yaml:"deposit"`
		Transfer      int64 `yaml:"transfer"`
		Account       int64 `yaml:"account"`
		Statement     int64 `yaml:"statement"`
	} `yaml:"limits"`
}
