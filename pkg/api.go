package dircachefingerprint

// InitDebugFlags initialises debug flags - for CLI compatibility
func InitDebugFlags(flagsStr string) {
	if flagsStr != "" {
		SetDebugFlags(flagsStr)
	}
}

// ApplyVerboseConfig sets the verbose level and debug flags from config.
// Non-zero command-line values win over the config file.
func ApplyVerboseConfig(cfg *Config, level int, debug string) {
	vc := cfg.GetVerboseConfig()
	if level == 0 {
		level = vc.Level
	}
	if debug == "" {
		debug = vc.Debug
	}
	SetVerboseLevel(level)
	InitDebugFlags(debug)
	VerboseLog(2, "Verbose level %d, debug flags %q", level, debug)
}

// GetDebugEnabled returns whether a debug flag is enabled - public alternative to IsDebugEnabled
func GetDebugEnabled(flag string) bool {
	return IsDebugEnabled(flag)
}
