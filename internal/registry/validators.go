package registry

import "fmt"

type memoryValidator struct{}

func (memoryValidator) Type() string { return "memory" }

func (memoryValidator) Validate(*Config) error { return nil }

type redisValidator struct{}

func (redisValidator) Type() string { return "redis" }

func (redisValidator) Validate(c *Config) error {
	r := c.Store.Redis
	if len(r.Endpoints) == 0 {
		return fmt.Errorf("store.redis.endpoints is required")
	}
	if r.PoolSize < 0 || r.MinIdleConns < 0 {
		return fmt.Errorf("store.redis pool sizes must be non-negative")
	}
	if r.DB < 0 {
		return fmt.Errorf("store.redis.db must be non-negative")
	}
	return nil
}

type dynamoDBValidator struct{}

func (dynamoDBValidator) Type() string { return "dynamodb" }

func (dynamoDBValidator) Validate(c *Config) error {
	d := c.Store.DynamoDB
	if d.Region == "" {
		return fmt.Errorf("store.dynamodb.region is required")
	}
	if d.TableName == "" {
		return fmt.Errorf("store.dynamodb.table_name is required")
	}
	if (d.AccessKeyID == "") != (d.SecretAccessKey == "") {
		return fmt.Errorf("store.dynamodb access key id and secret must be set together")
	}
	return nil
}

type mysqlValidator struct{}

func (mysqlValidator) Type() string { return "mysql" }

func (mysqlValidator) Validate(c *Config) error {
	m := c.Store.MySQL
	if m.DSN == "" {
		return fmt.Errorf("store.mysql.dsn is required")
	}
	if m.MaxOpenConns <= 0 {
		return fmt.Errorf("store.mysql.max_open_conns must be greater than 0")
	}
	if m.MaxIdleConns < 0 {
		return fmt.Errorf("store.mysql.max_idle_conns must be non-negative")
	}
	return nil
}

func init() {
	RegisterValidator(memoryValidator{})
	RegisterValidator(redisValidator{})
	RegisterValidator(dynamoDBValidator{})
	RegisterValidator(mysqlValidator{})
}
