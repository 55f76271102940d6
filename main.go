package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MeloQi/service"
	"github.com/common-nighthawk/go-figure"
	"github.com/go-redis/redis/v8"
	"github.com/yusiwen/streamctl/agent"
	"github.com/yusiwen/streamctl/controller"
	"github.com/yusiwen/streamctl/events"
	"github.com/yusiwen/streamctl/log"
	"github.com/yusiwen/streamctl/models"
	"github.com/yusiwen/streamctl/routers"
	"github.com/yusiwen/streamctl/sweeper"
	"github.com/yusiwen/streamctl/telemetry"
	"github.com/yusiwen/streamctl/utils"
)

var (
	gitCommitCode string
	buildDateTime string
)

type program struct {
	httpPort    int
	httpServer  *http.Server
	redis       *redis.Client
	ctl         *controller.Controller
	sweeper     *sweeper.Sweeper
	stopSweeper context.CancelFunc
}

func (p *program) StopHTTP() (err error) {
	if p.httpServer == nil {
		err = fmt.Errorf("HTTP Server Not Found")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = p.httpServer.Shutdown(ctx); err != nil {
		return
	}
	return
}

func (p *program) StartHTTP() (err error) {
	p.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", p.httpPort),
		Handler:           routers.Router,
		ReadHeaderTimeout: utils.Conf().GetDuration("http.read_header"),
	}
	log.Info("http server start -->", utils.GetHostName())
	go func() {
		if err := p.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("start http server error: ", err)
		}
		log.Info("http server end")
	}()
	return
}

func (p *program) StartSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	p.stopSweeper = cancel
	go p.sweeper.Run(ctx)
}

func (p *program) StopSweeper() {
	if p.stopSweeper != nil {
		p.stopSweeper()
		p.stopSweeper = nil
	}
}

// buildServices opens the database and Redis and wires the controller and
// sweeper from the current configuration.
func (p *program) buildServices() (err error) {
	conf := utils.Conf()
	if err = models.Init(); err != nil {
		return
	}

	p.redis = redis.NewClient(&redis.Options{
		Addr:     utils.GetFullAddress(conf.GetString("redis.addr")),
		Password: conf.GetString("redis.password"),
		DB:       conf.GetInt("redis.db"),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.redis.Ping(ctx).Err(); err != nil {
		log.Warn("redis ping err: ", err, ", commands will queue in the outbox")
	}

	sinks := events.Multi{events.LogSink{}}
	if name := conf.GetString("events.kinesis_stream"); name != "" {
		sink, err := events.NewKinesisSink(conf.GetString("events.aws_region"), name)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
		log.Info("publishing stream events to kinesis stream ", name)
	}

	store := telemetry.NewStore(p.redis,
		conf.GetString("telemetry.key"),
		conf.GetDuration("telemetry.ttl"),
		conf.GetDuration("telemetry.online_window"))
	p.ctl = controller.New(models.SQL, controller.Options{
		Publisher: agent.NewRedisPublisher(p.redis, conf.GetString("agent.command_channel")),
		Updater:   agent.NewHTTPClient(conf.GetInt("agent.http_port"), conf.GetDuration("agent.http_timeout")),
		Online:    store.OnlineSet,
		Events:    sinks,
	})
	p.sweeper = sweeper.New(p.ctl, sweeper.ConfigFrom(conf))

	return routers.Init(routers.Deps{
		Controller: p.ctl,
		Sweeper:    p.sweeper,
		Stats:      store,
		History:    telemetry.NewHistory(models.SQL, conf.GetDuration("telemetry.history_interval")),
	})
}

func (p *program) closeServices() {
	if p.redis != nil {
		p.redis.Close()
		p.redis = nil
	}
	models.Close()
}

func (p *program) Start(s service.Service) (err error) {
	log.Info("********** START **********")
	if utils.IsPortInUse(p.httpPort) {
		err = fmt.Errorf("HTTP port[%d] In Use", p.httpPort)
		return
	}
	if err = p.buildServices(); err != nil {
		return
	}
	if counts, err := p.ctl.RecomputeAllSlots(context.Background()); err != nil {
		log.Error("recompute slots err: ", err)
	} else {
		log.Debug("vps slots: ", counts)
	}
	p.StartHTTP()
	p.StartSweeper()

	if !utils.Debug() {
		conf := utils.Conf()
		log.Debug("log files -->", conf.GetString("log.dir"))
		log.SetOutput(log.RotateFile(
			conf.GetString("log.dir"),
			conf.GetString("log.file"),
			conf.GetInt("log.max_size_mb"),
			conf.GetInt("log.max_backups"),
			conf.GetInt("log.max_age_days"),
			conf.GetBool("log.compress")))
	}
	go func() {
		for range routers.API.RestartChan {
			p.StopHTTP()
			p.StopSweeper()
			p.closeServices()
			utils.ReloadConf()
			log.SetLevel(utils.Conf().GetString("log.level"))
			p.httpPort = utils.Conf().GetInt("http.port")
			if err := p.buildServices(); err != nil {
				log.Error("restart err: ", err)
				continue
			}
			p.StartHTTP()
			p.StartSweeper()
		}
	}()
	return
}

func (p *program) Stop(s service.Service) (err error) {
	defer log.Info("********** STOP **********")
	defer log.CloseLogWriter()
	p.StopHTTP()
	p.StopSweeper()
	p.closeServices()
	return
}

// runSweep performs one sweep pass and prints the report.
func runSweep(p *program) error {
	if err := p.buildServices(); err != nil {
		return err
	}
	defer p.closeServices()
	report, err := p.sweeper.RunOnce(context.Background())
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// runAgent pushes this host's telemetry until interrupted.
func runAgent() error {
	conf := utils.Conf()
	vpsID := uint(conf.GetInt("reporter.vps_id"))
	if vpsID == 0 {
		return fmt.Errorf("reporter.vps_id is not set")
	}
	r := telemetry.NewReporter(vpsID,
		conf.GetString("reporter.endpoint"),
		conf.GetString("agent.token"),
		conf.GetDuration("reporter.interval"),
		&telemetry.Sampler{DiskPath: conf.GetString("reporter.disk_path"), ProcessName: "ffmpeg"})

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	r.Run(ctx)
	return nil
}

func main() {
	flag.StringVar(&utils.FlagVarConfFile, "config", "", "configure file path")
	flag.Parse()
	tail := flag.Args()

	conf := utils.Conf()
	log.SetLevel(conf.GetString("log.level"))
	log.Info("git commit code: ", gitCommitCode)
	log.Info("build date: ", buildDateTime)
	routers.BuildVersion = fmt.Sprintf("%s.%s", routers.BuildVersion, gitCommitCode)
	routers.BuildDateTime = buildDateTime

	svcConfig := &service.Config{
		Name:        conf.GetString("service.name"),
		DisplayName: conf.GetString("service.display_name"),
		Description: conf.GetString("service.description"),
	}

	p := &program{
		httpPort: conf.GetInt("http.port"),
	}
	s, err := service.New(p, svcConfig)
	if err != nil {
		log.Fatal(err)
	}
	if len(tail) > 0 {
		cmd := strings.ToLower(tail[0])
		switch cmd {
		case "install", "stop", "start", "uninstall":
			figure.NewFigure("StreamCtl", "", false).Print()
			log.Info(svcConfig.Name, cmd, "...")
			if err = service.Control(s, cmd); err != nil {
				log.Fatal(err)
			}
			log.Info(svcConfig.Name, cmd, "ok")
			return
		case "sweep":
			if err = runSweep(p); err != nil {
				log.Fatal(err)
			}
			return
		case "agent":
			figure.NewFigure("StreamCtl Agent", "", false).Print()
			if err = runAgent(); err != nil {
				log.Fatal(err)
			}
			return
		default:
			log.Fatal("unknown command ", cmd)
		}
	}
	figure.NewFigure("StreamCtl", "", false).Print()
	if err = s.Run(); err != nil {
		log.Fatal(err)
	}
}
