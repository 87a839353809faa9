package layout

// Field tables below are transcribed from the BSD UFS superblock, the
// ext2/3/4 superblock, and the ZFS uberblock, in on-disk order. Endianness
// interpretation is the caller's responsibility (see package image) — here
// we only need byte widths to compute offsets.

// ufsFields is shared by UFS1 and UFS2; the two differ only in the fixed
// probe offset of the primary copy (layout.SBLOCK_UFS1 / SBLOCK_UFS2).
var ufsFields = []FieldSpec{
	{"fs_firstfield", 4},
	{"fs_unused_1", 4},
	{"fs_sblkno", 4},
	{"fs_cblkno", 4},
	{"fs_iblkno", 4},
	{"fs_dblkno", 4},
	{"fs_old_cgoffset", 4},
	{"fs_old_cgmask", 4},
	{"fs_old_time", 4},
	{"fs_old_size", 4},
	{"fs_old_dsize", 4},
	{"fs_ncg", 4},
	{"fs_bsize", 4},
	{"fs_fsize", 4},
	{"fs_frag", 4},
	{"fs_minfree", 4},
	{"fs_old_rotdelay", 4},
	{"fs_old_rps", 4},
	{"fs_bmask", 4},
	{"fs_fmask", 4},
	{"fs_bshift", 4},
	{"fs_fshift", 4},
	{"fs_maxcontig", 4},
	{"fs_maxbpg", 4},
	{"fs_fragshift", 4},
	{"fs_fsbtodb", 4},
	{"fs_sbsize", 4},
	{"fs_spare1", 8}, // int32[2]
	{"fs_nindir", 4},
	{"fs_inopb", 4},
	{"fs_old_nspf", 4},
	{"fs_optim", 4},
	{"fs_old_npsect", 4},
	{"fs_old_interleave", 4},
	{"fs_old_trackskew", 4},
	{"fs_id", 8}, // int32[2]
	{"fs_old_csaddr", 4},
	{"fs_cssize", 4},
	{"fs_cgsize", 4},
	{"fs_spare2", 4},
	{"fs_old_nsect", 4},
	{"fs_old_spc", 4},
	{"fs_old_ncyl", 4},
	{"fs_old_cpg", 4},
	{"fs_ipg", 4},
	{"fs_fpg", 4},
	{"fs_old_cstotal__cs_ndir", 4},
	{"fs_old_cstotal__cs_nbfree", 4},
	{"fs_old_cstotal__cs_nifree", 4},
	{"fs_old_cstotal__cs_nffree", 4},
	{"fs_fmod", 1},
	{"fs_clean", 1},
	{"fs_ronly", 1},
	{"fs_old_flags", 1},
	{"fs_fsmnt", 468},
	{"fs_volname", 32},
	{"fs_swuid", 8},
	{"fs_pad", 4},
	{"fs_cgrotor", 4},
	{"fs_ocsp", 96}, // void*[12]
	{"fs_contigdirs", 8},
	{"fs_csp", 8},
	{"fs_maxcluster", 8},
	{"fs_active", 8},
	{"fs_old_cpc", 4},
	{"fs_maxbsize", 4},
	{"fs_unrefs", 8},
	{"fs_providersize", 8},
	{"fs_metaspace", 8},
	{"fs_sparecon64", 104}, // int64[13]
	{"fs_sblockactualloc", 8},
	{"fs_sblockloc", 8},
	{"fs_cstotal__cs_ndir", 8},
	{"fs_cstotal__cs_nbfree", 8},
	{"fs_cstotal__cs_nifree", 8},
	{"fs_cstotal__cs_nffree", 8},
	{"fs_cstotal__cs_numclusters", 8},
	{"fs_cstotal__cs_spare", 24}, // int64[3]
	{"fs_time", 8},
	{"fs_size", 8},
	{"fs_dsize", 8},
	{"fs_csaddr", 8},
	{"fs_pendingblocks", 8},
	{"fs_pendinginodes", 4},
	{"fs_snapinum", 80}, // uint32[20]
	{"fs_avgfilesize", 4},
	{"fs_avgfpdir", 4},
	{"fs_save_cgsize", 4},
	{"fs_mtime", 8},
	{"fs_sujfree", 4},
	{"fs_sparecon32", 84}, // int32[21]
	{"fs_ckhash", 4},
	{"fs_metackhash", 4},
	{"fs_flags", 4},
	{"fs_contigsumsize", 4},
	{"fs_maxsymlinklen", 4},
	{"fs_old_inodefmt", 4},
	{"fs_maxfilesize", 8},
	{"fs_qbmask", 8},
	{"fs_qfmask", 8},
	{"fs_state", 4},
	{"fs_old_postblformat", 4},
	{"fs_old_nrpos", 4},
	{"fs_spare5", 8}, // int32[2]
	{"fs_magic", 4},
}

// extFields covers the ext2/3/4 superblock superset (ext3/4 fields past the
// ext2 core are zero/absent on an ext2 image but the record is still read
// in full, as spec.md's fixed record length of 960 requires).
var extFields = []FieldSpec{
	{"e2fs_icount", 4},
	{"e2fs_bcount", 4},
	{"e2fs_rbcount", 4},
	{"e2fs_fbcount", 4},
	{"e2fs_ficount", 4},
	{"e2fs_first_dblock", 4},
	{"e2fs_log_bsize", 4},
	{"e2fs_log_fsize", 4},
	{"e2fs_bpg", 4},
	{"e2fs_fpg", 4},
	{"e2fs_ipg", 4},
	{"e2fs_mtime", 4},
	{"e2fs_wtime", 4},
	{"e2fs_mnt_count", 2},
	{"e2fs_max_mnt_count", 2},
	{"e2fs_magic", 2},
	{"e2fs_state", 2},
	{"e2fs_beh", 2},
	{"e2fs_minrev", 2},
	{"e2fs_lastfsck", 4},
	{"e2fs_fsckintv", 4},
	{"e2fs_creator", 4},
	{"e2fs_rev", 4},
	{"e2fs_ruid", 2},
	{"e2fs_rgid", 2},
	{"e2fs_first_ino", 4},
	{"e2fs_inode_size", 2},
	{"e2fs_block_group_nr", 2},
	{"e2fs_features_compat", 4},
	{"e2fs_features_incompat", 4},
	{"e2fs_features_rocompat", 4},
	{"e2fs_uuid", 16},
	{"e2fs_vname", 16},
	{"e2fs_fsmnt", 64},
	{"e2fs_algo", 4},
	{"e2fs_prealloc", 1},
	{"e2fs_dir_prealloc", 1},
	{"e2fs_reserved_ngdb", 2},
	{"e3fs_journal_uuid", 16},
	{"e3fs_journal_inum", 4},
	{"e3fs_journal_dev", 4},
	{"e3fs_last_orphan", 4},
	{"e3fs_hash_seed", 16},
	{"e3fs_def_hash_version", 1},
	{"e3fs_jnl_backup_type", 1},
	{"e3fs_desc_size", 2},
	{"e3fs_default_mount_opts", 4},
	{"e3fs_first_meta_bg", 4},
	{"e3fs_mkfs_time", 4},
	{"e3fs_jnl_blks", 4},
	{"e4fs_bcount_hi", 4},
	{"e4fs_rbcount_hi", 4},
	{"e4fs_fbcount_hi", 4},
	{"e4fs_min_extra_isize", 2},
	{"e4fs_want_extra_isize", 2},
	{"e4fs_flags", 4},
	{"e4fs_raid_stride", 2},
	{"e4fs_mmpintv", 2},
	{"e4fs_mmpblk", 8},
	{"e4fs_raid_stripe_wid", 4},
	{"e4fs_log_gpf", 1},
	{"e4fs_chksum_type", 1},
	{"e4fs_encrypt", 1},
	{"e4fs_reserved_pad", 1},
	{"e4fs_kbytes_written", 8},
	{"e4fs_snapinum", 4},
	{"e4fs_snapid", 4},
	{"e4fs_snaprbcount", 8},
	{"e4fs_snaplist", 4},
	{"e4fs_errcount", 4},
	{"e4fs_first_errtime", 4},
	{"e4fs_first_errino", 4},
	{"e4fs_first_errblk", 8},
	{"e4fs_first_errfunc", 32},
	{"e4fs_first_errline", 4},
	{"e4fs_last_errtime", 4},
	{"e4fs_last_errino", 4},
	{"e4fs_last_errline", 4},
	{"e4fs_last_errblk", 8},
	{"e4fs_last_errfunc", 32},
	{"e4fs_mount_opts", 64},
	{"e4fs_usrquota_inum", 4},
	{"e4fs_grpquota_inum", 4},
	{"e4fs_overhead_clusters", 4},
	{"e4fs_backup_bgs", 8},
	{"e4fs_encrypt_algos", 4},
	{"e4fs_encrypt_pw_salt", 16},
	{"e4fs_lpf_ino", 4},
	{"e4fs_proj_quota_inum", 4},
	{"e4fs_chksum_seed", 4},
	{"e4fs_reserved", 392},
	{"e4fs_sbchksum", 4},
}

// zfsFields covers the fields of the uberblock this fuzzer cares about; the
// large run of unresolved data fields between ub_timestamp and
// ub_software_version is kept as a single opaque span (matching the
// original parser's "TODO_resolve_data_fields" placeholder) since the core
// never interprets superblock content beyond locating and mutating it.
var zfsFields = []FieldSpec{
	{"ub_magic", 8},
	{"ub_version", 8},
	{"ub_txg", 8},
	{"ub_guid_sum", 8},
	{"ub_timestamp", 8},
	{"ub_data", 936},
	{"ub_software_version", 8},
	{"ub_mmp_magic", 8},
	{"ub_mmp_delay", 8},
	{"ub_mmp_config", 8},
	{"ub_mmp_config_valid", 1},
	{"ub_mmp_config_write_interval", 3},
	{"ub_mmp_config_seq", 2},
	{"ub_mmp_config_fail_intervals", 2},
	{"ub_checkpoint_txg", 8},
}
