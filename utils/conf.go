package utils

import (
	"strings"
	"sync"
	"time"

	"github.com/kr/pretty"
	"github.com/spf13/viper"
	"github.com/yusiwen/streamctl/log"
)

// FlagVarConfFile is bound to the -config command line flag.
var FlagVarConfFile string

var (
	conf     *viper.Viper
	confLock sync.Mutex
)

var defaults = map[string]interface{}{
	"debug": false,

	"service.name":         "StreamCtl_Service",
	"service.display_name": "StreamCtl_Service",
	"service.description":  "VPS fleet stream command/control",

	"log.level":        "info",
	"log.dir":          "logs",
	"log.file":         "streamctl.log",
	"log.max_size_mb":  100,
	"log.max_backups":  10,
	"log.max_age_days": 30,
	"log.compress":     false,

	"http.port":         10009,
	"http.read_header":  5 * time.Second,
	"http.hostname":     "",
	"http.enable_pprof": false,

	"db.type":      "sqlite",
	"db.dsn":       "streamctl.db",
	"db.log_level": "silent",

	"redis.addr":     "localhost:6379",
	"redis.password": "",
	"redis.db":       0,

	"agent.command_channel": "vps-commands:%d",
	"agent.http_port":       9999,
	"agent.http_timeout":    10 * time.Second,
	"agent.token":           "",

	"telemetry.key":              "vps-stats:%d",
	"telemetry.online_window":    60 * time.Second,
	"telemetry.history_interval": 5 * time.Minute,
	"telemetry.ttl":              time.Hour,

	"sweep.interval":           time.Minute,
	"sweep.stopping_grace":     5 * time.Minute,
	"sweep.starting_grace":     10 * time.Minute,
	"sweep.recover_starting":   true,
	"sweep.schedule_min_dwell": 2 * time.Minute,
	"sweep.scheduled_starts":   true,

	"outbox.max_attempts": 5,
	"outbox.retry_after":  30 * time.Second,

	"events.kinesis_stream": "",
	"events.aws_region":     "us-east-1",

	"reporter.vps_id":    0,
	"reporter.endpoint":  "http://localhost:10009/api/vps/vps-stats",
	"reporter.interval":  30 * time.Second,
	"reporter.disk_path": "/",
}

func newConf() *viper.Viper {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix("streamctl")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if FlagVarConfFile != "" {
		v.SetConfigFile(FlagVarConfFile)
		if err := v.ReadInConfig(); err != nil {
			log.Error("read config file err: ", err)
		}
	}
	log.Debug("effective configuration:\n", pretty.Sprint(v.AllSettings()))
	return v
}

func Conf() *viper.Viper {
	confLock.Lock()
	defer confLock.Unlock()
	if conf == nil {
		conf = newConf()
	}
	return conf
}

func ReloadConf() *viper.Viper {
	confLock.Lock()
	defer confLock.Unlock()
	conf = newConf()
	return conf
}

// NewDefaultConf returns a configuration holding only the built-in defaults.
func NewDefaultConf() *viper.Viper {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	return v
}

func Debug() bool {
	return Conf().GetBool("debug")
}
