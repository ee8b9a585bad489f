package server

import (
	"encoding/json"
	"os"
)

// Config holds daemon tuning that is deploy-specific but not secret.
// Secrets and connection strings stay in the environment.
type Config struct {
	Port          string `json:"port"`
	FileLog       string `json:"fileLog"`
	WorkerSpeed   int    `json:"workerSpeed"`
	WorkerQueue   int    `json:"workerQueue"`
	WatchInterval int    `json:"watchIntervalSec"`
	SweepInterval int    `json:"sweepIntervalSec"`
	WatchLookback uint64 `json:"watchLookbackBlocks"`
}

var GlobalConfig Config
var PathFile string

func ConfigLoad() {
	GlobalConfig = Config{
		Port:          ":8000",
		WorkerSpeed:   4,
		WorkerQueue:   64,
		WatchInterval: 15,
		SweepInterval: 300,
		WatchLookback: 200,
	}

	if len(os.Args) > 2 {
		PathFile = os.Args[2]
	} else {
		PathFile = "./config.json"
	}

	configFile, err := os.Open(PathFile)
	if err == nil {
		defer configFile.Close()
		jsonParser := json.NewDecoder(configFile)
		jsonParser.Decode(&GlobalConfig)
	}

	SetLogger(GlobalConfig.FileLog)
}
