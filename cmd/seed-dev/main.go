// seed-dev creates one user per role and an active grant linking them, then prints a bearer
// token for each user so the API can be exercised locally.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-dev --total 1000000
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/grants_backend/config"
	"bitbucket.org/mmdatafocus/grants_backend/models"
	"bitbucket.org/mmdatafocus/grants_backend/money"
	"bitbucket.org/mmdatafocus/grants_backend/repository"
	"bitbucket.org/mmdatafocus/grants_backend/utils"
	"bitbucket.org/mmdatafocus/grants_backend/workflow"
	"gorm.io/gorm"
)

var seedUsers = []models.User{
	{Email: "ministry@example.org", Name: "Ministry Grants Office", Role: models.UserRoleGovernment},
	{Email: "university@example.org", Name: "University Finance", Role: models.UserRoleUniversity},
	{Email: "grantee@example.org", Name: "Grant Holder", Role: models.UserRoleGrantee},
}

func main() {
	total := flag.String("total", "1000000", "Total amount of the seeded grant")
	flag.Parse()

	totalAmount, err := money.Parse(*total)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --total: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db := config.ConnectDatabaseWithRetry()
	if err := models.MigrateTable(db); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	users := make(map[models.UserRole]models.User, len(seedUsers))
	for _, u := range seedUsers {
		u := u
		var existing models.User
		err := db.WithContext(ctx).Where("email = ?", u.Email).First(&existing).Error
		switch {
		case err == nil:
			users[existing.Role] = existing
			continue
		case !errors.Is(err, gorm.ErrRecordNotFound):
			fmt.Fprintf(os.Stderr, "failed to lookup user %s: %v\n", u.Email, err)
			os.Exit(1)
		}
		if err := db.WithContext(ctx).Create(&u).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create user %s: %v\n", u.Email, err)
			os.Exit(1)
		}
		users[u.Role] = u
	}

	engine := workflow.NewEngine(repository.NewGormStore(db), config.LoadEngineConfig(), nil, nil, config.GetLogger())
	beneficiary := users[models.UserRoleGrantee].ID
	grant, err := engine.CreateGrant(ctx, workflow.NewGrant{
		Title:          "Development grant",
		TotalAmount:    totalAmount,
		OrganizationId: users[models.UserRoleUniversity].ID,
		BeneficiaryId:  &beneficiary,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create grant: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("grant %d (%s)\n", grant.ID, grant.TotalAmount)

	for _, role := range []models.UserRole{models.UserRoleGovernment, models.UserRoleUniversity, models.UserRoleGrantee} {
		u := users[role]
		token, err := utils.JwtGenerate(u.ID, string(u.Role))
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to sign token for %s: %v\n", u.Email, err)
			os.Exit(1)
		}
		fmt.Printf("%-10s user %d  Bearer %s\n", role, u.ID, token)
	}
}
