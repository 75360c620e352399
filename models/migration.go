package models

import (
	"log"

	"github.com/Dm1tryAndreev1ch/apperate/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Brigade{}, &BrigadeSchedule{},
		&CheckInstance{}, &CheckAnswer{}, &TemplateVersion{},
		&BrigadeDailyScore{},
		&Report{}, &ReportGenerationEvent{},
		&AlertTicket{}, &TrackerCallLog{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
