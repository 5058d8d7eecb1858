package db

import (
	"fmt"

	"mech-search/internal/config"
	"mech-search/internal/model"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func InitDB(cfg *config.Config) error {
	g, err := Open(cfg.Database)
	if err != nil {
		return err
	}
	if err := Migrate(g); err != nil {
		return err
	}
	DB = g

	zap.L().Info("数据库初始化成功", zap.String("driver", cfg.Database.Driver))
	return nil
}

// Open 按 driver 打开连接：mysql 为生产存储，sqlite 用于本地调试与测试
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "mysql", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
				cfg.User,
				cfg.Password,
				cfg.Host,
				cfg.Port,
				cfg.DBName,
				cfg.Charset,
			)
		}
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", cfg.Driver)
	}

	g, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// sqlite 单写者：串行化连接，避免并发评估时出现 database is locked
		sqlDB, err := g.DB()
		if err != nil {
			return nil, fmt.Errorf("获取底层连接失败: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return g, nil
}

// Migrate 自动迁移全部实体
func Migrate(g *gorm.DB) error {
	if err := g.AutoMigrate(
		&model.Project{},
		&model.ProblemSpec{},
		&model.WorldModel{},
		&model.ChatMessage{},
		&model.Run{},
		&model.Candidate{},
		&model.CandidateEvent{},
		&model.ScenarioSuite{},
		&model.Scenario{},
		&model.Evaluation{},
		&model.Snapshot{},
	); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	return nil
}
