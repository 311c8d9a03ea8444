package pe

const (
	ImageDOSSignature   = 0x5A4D // MZ
	ImageDOSZMSignature = 0x4D5A // ZM
)

const ImageNTHeaderSignature = 0x00004550

// IMAGE_DIRECTORY_ENTRY constants
const (
	ImageDirectoryEntryExport        = 0
	ImageDirectoryEntryImport        = 1
	ImageDirectoryEntryResource      = 2
	ImageDirectoryEntryException     = 3
	ImageDirectoryEntrySecurity      = 4
	ImageDirectoryEntryBaseReLoc     = 5
	ImageDirectoryEntryDebug         = 6
	ImageDirectoryEntryArchitecture  = 7
	ImageDirectoryEntryGlobalPtr     = 8
	ImageDirectoryEntryTls           = 9
	ImageDirectoryEntryLoadConfig    = 10
	ImageDirectoryEntryBoundImport   = 11
	ImageDirectoryEntryIat           = 12
	ImageDirectoryEntryDelayImport   = 13
	ImageDirectoryEntryComDescriptor = 14
)

const (
	ImageScnCntCode            = 0x00000020
	ImageScnCntInitializedData = 0x00000040
	ImageScnMemExecute         = 0x20000000
	ImageScnMemRead            = 0x40000000
	ImageScnMemWrite           = 0x80000000
)

// MinFileSize On Windows XP (x32) the smallest PE executable is 97 bytes.
const MinFileSize = 97

const (
	// PageSize is the section alignment mapped images are laid out with.
	PageSize = 0x1000
	// RawAlignment is the file alignment used when serializing raw data.
	RawAlignment = 0x200
)

const (
	OptionalHeaderMagic32 = 0x10b
	OptionalHeaderMagic64 = 0x20b
)

const (
	imageOrdinalFlag32  = uint32(0x80000000)
	imageOrdinalFlag64  = uint64(0x8000000000000000)
	addressMask32       = uint32(0x7fffffff)
	addressMask64       = uint64(0x7fffffffffffffff)
	maxDllLength        = 0x200
	maxImportNameLength = 0x200
	maxAllowedEntries   = 0x1000
)

const (
	dosHeaderSize     = 64
	fileHeaderSize    = 20
	sectionHeaderSize = 40
	importDescSize    = 20
	exportDirSize     = 40
)
