package app

const (
	Name               = "familiar"
	ConfigFilename     = "config.json"
	JournalFilename    = "journal.db"
	LogFilename        = "familiar.log"
	HistoryLimit       = 50
	WriterQueueSize    = 512
	StatusReplyFormat  = "Familiar online. Nodes: %d"
	PingReply          = "pong"
	MeshtasticURL      = "https://meshtastic.org"
	FirmwareReleaseURL = "https://github.com/meshtastic/firmware/releases"
)
