package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kr/pretty"
	"github.com/urfave/cli/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/grpcapi"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/internal/store/postgres"
	"github.com/KristineHarveyqabrq6163/SpatioTemporalDB-FHE/pkg/oracle"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "apply postgres schema migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dsn", Required: true, Usage: "postgres connection string", EnvVars: []string{"STDB_DSN"}},
		},
		Action: func(c *cli.Context) error {
			dsn := c.String("dsn")
			if err := postgres.Migrate(c.Context, dsn); err != nil {
				return err
			}
			v, err := postgres.MigrationVersion(c.Context, dsn)
			if err != nil {
				return err
			}
			fmt.Printf("schema at version %d\n", v)
			return nil
		},
	}
}

func oracleKeyCommand() *cli.Command {
	return &cli.Command{
		Name:  "oracle-key",
		Usage: "generate an oracle signing key pair, or issue a callback token",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Usage: "write a new PEM key pair to this path (public key at <out>.pub)"},
			&cli.StringFlag{Name: "secret", Usage: "issue a RevealCallback token signed with this secret", EnvVars: []string{"STDB_ORACLE_SECRET"}},
			&cli.DurationFlag{Name: "ttl", Value: time.Hour, Usage: "token lifetime"},
		},
		Action: func(c *cli.Context) error {
			out, secret := c.String("out"), c.String("secret")
			if out == "" && secret == "" {
				return errors.New("nothing to do: set --out or --secret")
			}
			if out != "" {
				key, err := oracle.GenerateKey()
				if err != nil {
					return err
				}
				if err := oracle.WriteKeyPair(out, key); err != nil {
					return err
				}
				fmt.Printf("wrote %s and %s.pub\n", out, out)
			}
			if secret != "" {
				token, err := grpcapi.NewOracleToken([]byte(secret), c.Duration("ttl"))
				if err != nil {
					return err
				}
				fmt.Println(token)
			}
			return nil
		},
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "show server stats, or the stored and revealed result of a query",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "localhost:50051", Usage: "server address", EnvVars: []string{"STDB_ADDR"}},
			&cli.StringFlag{Name: "query-hash", Usage: "0x-prefixed query hash"},
			&cli.DurationFlag{Name: "timeout", Value: 10 * time.Second},
		},
		Action: inspect,
	}
}

func inspect(c *cli.Context) error {
	conn, err := grpc.NewClient(c.String("addr"), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()
	client := grpcapi.NewClient(conn)

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	hash := c.String("query-hash")
	if hash == "" {
		st, err := client.Stats(ctx)
		if err != nil {
			return err
		}
		pretty.Println(st)
		keys, err := client.GetPublicKey(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("scheme=%s fingerprint=%s domain=%v\n", keys.Scheme, keys.Fingerprint, keys.Domain)
		return nil
	}

	res, err := client.GetResult(ctx, &grpcapi.GetResultRequest{QueryHash: hash})
	if err != nil {
		return err
	}
	fmt.Printf("kind=%s complete=%v points=%v created=%s\n", res.Kind, res.Complete, res.PointIDs, res.CreatedAt.Format(time.RFC3339))

	dec, err := client.GetDecrypted(ctx, &grpcapi.GetDecryptedRequest{QueryHash: hash})
	if err != nil {
		return err
	}
	if !dec.Revealed {
		fmt.Println("not revealed")
		return nil
	}
	pretty.Println(dec.Matches)
	return nil
}
