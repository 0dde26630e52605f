// Package backup archives, stores and restores the data of a single tenant of
// a multi-tenant database.
//
// Core components:
//
// - Resolver: locates archives across the primary directory, the secondary
// export directory and an optional object store (S3, GCS, Azure Blob)
// - Archiver: writes a self-describing zip archive with a tagged data dump or a
// tenant-scoped sqlite file, CSV exports, ledger PDFs, documents and a manifest
// - Engine: restores an archive into the live database, or previews and
// imports it with per-entity conflict resolution, in one transaction
// - Scheduler: periodic sweep over Active and Trial tenants
// - Service: the transport-free operation surface; every call is audited
//
// Example usage:
//
//	svc, closeFn, err := backup.Build(ctx, cfg, prometheus.DefaultRegisterer, logger)
//	if err != nil {
//		return err
//	}
//	defer closeFn()
//
//	res, err := svc.Create(ctx, 7, backup.CreateOptions{UploadToRemote: true})
//	if err != nil {
//		return fmt.Errorf("backup failed: %w", err)
//	}
//
//	preview, err := svc.Preview(ctx, 7, res.FileName)
//	if err != nil {
//		return err
//	}
//	for _, c := range preview.Conflicts {
//		fmt.Println(c.EntityType, c.Kind, c.Description)
//	}
//
//	_, err = svc.Import(ctx, 7, res.FileName, backup.Resolutions{"Customers": backup.ResolutionOverwrite}, userID)
package backup
