package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"partyjournal/api/internal/app"
	"partyjournal/api/internal/config"
	"partyjournal/api/internal/docstore"
	"partyjournal/api/internal/editor"
	"partyjournal/api/internal/notes"
	"partyjournal/api/internal/notescache"
	"partyjournal/api/internal/perm"
	"partyjournal/api/internal/permcache"
	"partyjournal/api/internal/search"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	var store docstore.Store
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pg, err := docstore.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer pg.Close()
		store = pg
	} else {
		log.Printf("DATABASE_URL not set, using in-memory store")
		store = docstore.NewMemory()
	}

	notesService := notes.NewService(store)
	noteCache := notescache.New(notesService)

	permService := perm.NewService(store, splitList(cfg.AllowedUsers), cfg.DevAdminEmail)

	permOpts := []permcache.Option{permcache.WithTTL(cfg.PermCacheTTL)}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for the shared permissions cache tier")
		tier, err := permcache.NewRedisTier(cfg.RedisURL, cfg.PermCacheTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer tier.Close()
		permOpts = append(permOpts, permcache.WithSharedTier(tier))
	}
	permCache := permcache.New(permService, permOpts...)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, noteCache)
	reindexNotes(ctx, notesService, store, searchService)

	service := app.NewService(cfg, store, notesService, permService, permCache, noteCache, searchService)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Party Journal API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// reindexNotes pushes every live note into the search engine at startup so
// the index survives engine wipes.
func reindexNotes(ctx context.Context, notesService *notes.Service, store docstore.Store, searchService *search.Service) {
	docs, err := store.List(ctx, notes.Collection)
	if err != nil {
		log.Printf("reindex: list notes: %v", err)
		return
	}
	var records []search.NoteRecord
	for i := range docs {
		note, err := notesService.GetNote(ctx, docs[i].ID)
		if err != nil || note == nil || note.Deleted {
			continue
		}
		blocks, err := notesService.ListBlocks(ctx, note.ID)
		if err != nil {
			continue
		}
		records = append(records, search.NoteRecord{
			ID:         note.ID,
			Title:      note.Title,
			Content:    editor.JoinBlocks(blocks),
			Tags:       note.Tags,
			Visibility: note.Visibility,
			CreatedBy:  note.CreatedBy,
		})
	}
	searchService.ReindexAll(records)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
