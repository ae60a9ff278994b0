package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/ossobv/osso-djuty-sub000/database"
	"github.com/ossobv/osso-djuty-sub000/models"
	awspkg "github.com/ossobv/osso-djuty-sub000/pkg/aws"
	ddbpkg "github.com/ossobv/osso-djuty-sub000/pkg/dynamodb"
	"github.com/ossobv/osso-djuty-sub000/repository"
)

// Copies every payment from MongoDB to DynamoDB. Payments already present in
// the table are skipped, so the tool can be re-run.
func main() {
	var mongoURI, dbName, table, index string
	var create bool
	flag.StringVar(&mongoURI, "mongo", os.Getenv("MONGO_URL"), "MongoDB URI")
	flag.StringVar(&dbName, "db", os.Getenv("MONGO_DB"), "MongoDB database name")
	flag.StringVar(&table, "table", os.Getenv("DYNAMODB_TABLE"), "DynamoDB table name")
	flag.StringVar(&index, "index", os.Getenv("DYNAMODB_UNIQUE_KEY_INDEX"), "DynamoDB unique_key index name")
	flag.BoolVar(&create, "create-table", false, "create the table when missing")
	flag.Parse()

	if mongoURI == "" || dbName == "" {
		log.Fatal("MONGO_URL and MONGO_DB must be set or provided via flags")
	}
	if table == "" {
		table = "payments"
	}
	if index == "" {
		index = "unique_key-index"
	}

	ctx := context.Background()
	client, db, err := database.ConnectMongo(ctx, mongoURI, dbName)
	if err != nil {
		log.Fatalf("mongo connect: %v", err)
	}
	defer database.CloseMongo(client) //nolint:errcheck
	source := repository.NewMongoPaymentRepository(db)

	awsCfg, err := awspkg.LoadAWSConfig(ctx)
	if err != nil {
		log.Fatalf("aws config: %v", err)
	}
	ddbClient := ddbpkg.NewClientFromConfig(awsCfg)
	if create {
		if err := ddbpkg.EnsurePaymentTable(ctx, ddbClient, table, index); err != nil {
			log.Fatalf("ensure table: %v", err)
		}
	}
	target := repository.NewDynamoPaymentRepository(ddbClient, table, index)

	var migrated, skipped, failed int
	err = source.Each(ctx, 500, func(p *models.Payment) error {
		if err := target.Create(ctx, p); err != nil {
			var exists *types.ConditionalCheckFailedException
			if errors.As(err, &exists) {
				skipped++
				return nil
			}
			log.Printf("failed to write payment %s to ddb: %v", p.ID, err)
			failed++
			return nil
		}
		migrated++
		if migrated%100 == 0 {
			log.Printf("migrated %d payments", migrated)
		}
		return nil
	})
	if err != nil {
		log.Fatalf("cursor error: %v", err)
	}
	fmt.Printf("Migration complete. migrated=%d skipped=%d failed=%d\n", migrated, skipped, failed)
}
